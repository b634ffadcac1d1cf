package main

import (
	"fmt"
	"os"

	"github.com/beyondbrewing/brewery-couch/adapter"
)

func main() {

	dir, _ := os.MkdirTemp("", "brewery-couch-smoke")
	defer os.RemoveAll(dir)

	database, err := adapter.Open(dir + "/smoke")
	if err != nil {
		panic(err)
	}
	defer database.Close()

	info, _ := database.Info()
	fmt.Printf("%+v\n", info)
}
