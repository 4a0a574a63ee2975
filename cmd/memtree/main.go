// SPDX-License-Identifier: Apache-2.0

// Command memtree drives a workload through a tree of allocators and prints
// the tree's usage and any leaks found at teardown.
package main

func main() {
	execute()
}
