package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
