/*
 * Ptree - Packed Adaptive Arrays and B+-Trees
 *
 * Copyright Packbits Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const maxStatusLength = 160

type Status interface {
	Write()
}

func writeStatus(status string) {
	// Clear old status
	s := fmt.Sprintf("\r%s\r", strings.Repeat(" ", maxStatusLength))
	_, _ = io.WriteString(os.Stdout, s)

	// Write new status
	_, _ = io.WriteString(os.Stdout, status)
}

func updateStatus(sigc <-chan os.Signal, status Status) {

	status.Write()

	ticker := time.NewTicker(3 * time.Second)

	for {
		select {
		case <-ticker.C:
			status.Write()

		case <-sigc:
			status.Write()
			fmt.Fprintf(os.Stdout, "\n")

			ticker.Stop()
			os.Exit(1)
		}
	}
}

func main() {

	var typ string
	var maxLength uint64
	var seedHex string
	var minHeapAllocMiB, maxHeapAllocMiB uint64

	flag.StringVar(&typ, "type", "bptree", "bptree or strings")
	flag.Uint64Var(&maxLength, "maxlen", 1_000_000, "max number of elements")
	flag.StringVar(&seedHex, "seed", "", "seed for prng in hex (default is Unix time)")
	flag.Uint64Var(&minHeapAllocMiB, "minheap", 1000, "min HeapAlloc in MiB to stop extra removal of elements")
	flag.Uint64Var(&maxHeapAllocMiB, "maxheap", 2000, "max HeapAlloc in MiB to trigger extra removal of elements")

	flag.Parse()

	var seed int64
	if len(seedHex) != 0 {
		var err error
		seed, err = strconv.ParseInt(strings.ReplaceAll(seedHex, "0x", ""), 16, 64)
		if err != nil {
			panic("Failed to parse seed flag (hex string)")
		}
	}

	r = newRand(seed)

	typ = strings.ToLower(typ)

	if typ != "bptree" && typ != "strings" {
		fmt.Fprintf(os.Stderr, "Please specify type as either \"bptree\" or \"strings\"")
		return
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	switch typ {

	case "bptree":
		fmt.Printf("Starting B+-tree stress test, minHeapAlloc = %d MiB, maxHeapAlloc = %d MiB\n", minHeapAllocMiB, maxHeapAllocMiB)

		status := newBPTreeStatus()

		go updateStatus(sigc, status)

		testBPTree(maxLength, status, minHeapAllocMiB, maxHeapAllocMiB)

	case "strings":
		fmt.Printf("Starting string array stress test, minHeapAlloc = %d MiB, maxHeapAlloc = %d MiB\n", minHeapAllocMiB, maxHeapAllocMiB)

		status := newStringStatus()

		go updateStatus(sigc, status)

		testStrings(maxLength, status, minHeapAllocMiB, maxHeapAllocMiB)
	}

}
