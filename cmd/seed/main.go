package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"keybroker/internal/config"
	"keybroker/internal/seed"
	"keybroker/internal/storage"
)

func main() {
	path := flag.String("file", os.Getenv("SEED_FILE"), "YAML file with credentials and model bindings")
	genKey := flag.Bool("generate-key", false, "print a new SECRET_KEY and exit")
	flag.Parse()

	if *genKey {
		key, err := storage.GenerateKey()
		if err != nil {
			fail("Failed to generate key: %v", err)
		}
		fmt.Println(key)
		return
	}

	fmt.Println("Key Broker - Credential Seeding")

	if *path == "" {
		fail("-file or SEED_FILE must be set")
	}

	cfg, err := config.Load()
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}
	if cfg.Storage.Backend != config.StoragePostgres {
		fail("Seeding needs STORAGE_BACKEND=postgres; the memory backend reads SEED_FILE at startup")
	}
	if cfg.SecretKey == "" {
		fail("SECRET_KEY must be set")
	}

	box, err := storage.NewSecretBoxFromBase64(cfg.SecretKey)
	if err != nil {
		fail("Invalid SECRET_KEY: %v", err)
	}

	file, err := seed.Load(*path)
	if err != nil {
		fail("%v", err)
	}

	fmt.Println("Connecting to database...")
	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		fail("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			fail("Failed to migrate database: %v", err)
		}
	}

	res, err := seed.Apply(ctx, file, db.NewCredentialRepository(), db.NewBindingRepository(), box)
	if err != nil {
		fail("Seeding failed: %v", err)
	}

	fmt.Printf("Credentials: %d created, %d already present (%d updated)\n", res.CredentialsCreated, res.CredentialsExisted, res.CredentialsUpdated)
	fmt.Printf("Bindings:    %d created, %d already present (%d updated)\n", res.BindingsCreated, res.BindingsExisted, res.BindingsUpdated)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}
