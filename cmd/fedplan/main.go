package main

import "github.com/movio/fedplan"

func main() {
	fedplan.Main()
}
