package main

import "fmt"

func main() {
	words := []string{"hello", "bro"}
	name := "Go Delve"
	fmt.Println("Hi Everyone, Welcome to " + name) // add a breakpoint here

	api := "JSON-RPC API" // add a breakpoint here and step into method
	text := "Today, we'll dive into " + api
	method()
	fmt.Println(text, words)
}

func method() {
	i := 0
	foo()
	j := i + 2
	fmt.Println(j)
}

func foo() int {
	j := 7
	return j
}
