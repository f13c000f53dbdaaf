package main

import (
	"log"

	"github.com/altwork/jobscore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
