//go:build !test

package main

import (
	"log"

	"github.com/brianmayclone/anyos-core/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
