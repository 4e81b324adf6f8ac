package main

import "github.com/themadorg/tempmail"

func main() {
	tempmail.Run()
}
