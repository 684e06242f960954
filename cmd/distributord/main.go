package main

import (
	"log"

	distributord "apocat/services/distributord"
)

func main() {
	if err := distributord.Main(); err != nil {
		log.Fatalf("distributord: %v", err)
	}
}
