// genmodel writes a parameter file in the format the server loads. The
// parameters are He-initialized random values, not trained weights: use it
// to stand up the service for development when no trained file is at hand.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/Ka1laK/VisionForge/internal/model"
)

func main() {
	out := flag.String("out", "models/mnist_cnn.json", "output model file")
	seed := flag.Int64("seed", 1, "random seed for parameter initialization")
	flag.Parse()

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	net := model.NewMNIST(*seed)
	if err := net.Save(*out); err != nil {
		log.Fatalf("Failed to write model: %v", err)
	}
	log.Printf("Wrote %d-layer model to %s", len(net.Layers), *out)
}
