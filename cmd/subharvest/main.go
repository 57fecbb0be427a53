// Command subharvest crawls the arctic-shift Reddit archive and downloads
// the songs linked from crawled posts.
package main

func main() {
	Execute()
}
