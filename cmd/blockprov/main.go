package main

import "github.com/blockprov/blockprov/cmd/blockprov/app"

func main() {
	app.Execute()
}
