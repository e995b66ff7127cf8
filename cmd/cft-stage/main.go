// Command cft-stage splits a local file into chunks, hashes it, writes the
// chunks and manifest into the content store, and prints the manifest as
// JSON. cft-send stages its source file itself, so it does not depend on a
// prior cft-stage run.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/quantarax/cft/internal/store"
)

// manifest is the JSON shape printed for a staged file: everything a peer's
// ReqReceive or SuccessTransmit needs to describe it.
type manifest struct {
	Hash      string `json:"hash"`
	NumChunks uint64 `json:"num_chunks"`
	Mode      uint32 `json:"mode,omitempty"`
	HasMode   bool   `json:"has_mode"`
	ChunkSize uint64 `json:"chunk_size"`
}

func main() {
	storeDir := flag.String("store", "./cft-store", "Content store root directory")
	chunkSize := flag.Uint64("chunk-size", store.DefaultChunkSize, "Chunk size in bytes")
	output := flag.String("output", "", "Write manifest JSON to file (default: stdout)")
	pretty := flag.Bool("pretty", true, "Pretty-print JSON output")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cft-stage [options] <file_path>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filePath := flag.Arg(0)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: file not found: %s\n", filePath)
		os.Exit(2)
	}

	info, _ := os.Stat(filePath)
	fmt.Fprintf(os.Stderr, "Staging %s (%s)...\n", filePath, humanize.Bytes(uint64(info.Size())))

	st, err := store.Open(*storeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening store: %v\n", err)
		os.Exit(3)
	}
	defer st.Close()

	hash, numChunks, mode, hasMode, err := st.StageFile(filePath, *chunkSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: staging file: %v\n", err)
		os.Exit(4)
	}

	fmt.Fprintf(os.Stderr, "Hash: %s\n", hash)
	fmt.Fprintf(os.Stderr, "Chunks: %d (%s each)\n", numChunks, humanize.Bytes(*chunkSize))

	m := manifest{Hash: hash, NumChunks: numChunks, Mode: mode, HasMode: hasMode, ChunkSize: *chunkSize}
	var jsonData []byte
	if *pretty {
		jsonData, err = json.MarshalIndent(m, "", "  ")
	} else {
		jsonData, err = json.Marshal(m)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: serializing manifest: %v\n", err)
		os.Exit(5)
	}

	if *output != "" {
		if err := os.WriteFile(*output, jsonData, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: writing manifest: %v\n", err)
			os.Exit(6)
		}
		fmt.Fprintf(os.Stderr, "Manifest written to: %s\n", *output)
		return
	}
	fmt.Println(string(jsonData))
}
