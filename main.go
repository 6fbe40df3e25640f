package main

import (
	"log"

	"github.com/joho/godotenv"

	"media-pipeline/cmd"
	"media-pipeline/internal/config"
)

func main() {
	// .env is optional; deployed environments set variables directly.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cmd.Execute(cfg); err != nil {
		log.Fatal(err)
	}
}
