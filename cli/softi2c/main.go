// Package main is the softi2c command itself.
package main

import (
	"log"
	"os"

	"go.viam.com/softi2c/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
