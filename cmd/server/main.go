package main

import (
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Ka1laK/VisionForge/internal/handlers"
	"github.com/Ka1laK/VisionForge/internal/model"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func main() {
	execPath, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}

	// If running from cmd/server, go up two levels
	if filepath.Base(execPath) == "server" {
		execPath = filepath.Join(execPath, "../..")
	}

	modelPath := os.Getenv("MODEL_PATH")
	if modelPath == "" {
		modelPath = filepath.Join(execPath, "models", "mnist_cnn.json")
	}

	log.Printf("Loading model from: %s", modelPath)

	net, err := model.Load(modelPath)
	if err != nil {
		log.Fatalf("Failed to load model: %v (run cmd/genmodel to create a parameter file)", err)
	}

	handler := handlers.NewHandler(net)

	http.HandleFunc("/health", enableCORS(handler.Health))
	http.HandleFunc("/scan", enableCORS(handler.Scan))
	http.HandleFunc("/explain", enableCORS(handler.Explain))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	log.Printf("Model loaded: %d layers", len(net.Layers))
	log.Println("Endpoints:")
	log.Println("  GET  /health  - Health check")
	log.Println("  POST /scan    - Feature maps + prediction for a drawing")
	log.Println("  POST /explain - Grad-CAM heatmap and overlay")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
