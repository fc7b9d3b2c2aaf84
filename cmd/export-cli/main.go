// Command export-cli fetches a full submission export in automation
// mode and writes the raw stream to a file or stdout.
//
// The admin bearer secret is read from FS_ADMIN_AUTOMATION_SECRET.
//
// # Usage
//
//	FS_ADMIN_AUTOMATION_SECRET=... go run ./cmd/export-cli --url=https://forms.example.org -o dump.jsonl
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/grayguava/formseal/client"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "Service base URL")
		outPath = flag.String("o", "", "Output file (default stdout)")
		timeout = flag.Duration("timeout", 5*time.Minute, "Overall request timeout")
	)
	flag.Parse()

	_ = godotenv.Load()

	secret := os.Getenv("FS_ADMIN_AUTOMATION_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Error: FS_ADMIN_AUTOMATION_SECRET is not set")
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	admin := client.NewAdmin(*baseURL, secret)
	downloadURL, err := admin.RequestExport(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export request failed: %v\n", err)
		os.Exit(1)
	}

	if err := admin.StreamExport(ctx, downloadURL, out); err != nil {
		fmt.Fprintf(os.Stderr, "Export download failed: %v\n", err)
		os.Exit(1)
	}

	if *outPath != "" {
		fmt.Fprintf(os.Stderr, "Export written to %s\n", *outPath)
	}
}
