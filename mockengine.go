// Standalone mock transcription engine for local development. Run with
//
//	go run mockengine.go
//
// and point transcription.endpoint at http://localhost:8081/transcribe.
// It accepts the pipeline's multipart chunk uploads, logs what arrived,
// and returns a canned transcription after a simulated processing delay.
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

type transcriptionResponse struct {
	ChunkID     string    `json:"chunk_id"`
	Seq         uint64    `json:"seq"`
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence"`
	Language    string    `json:"language"`
	ProcessedAt time.Time `json:"processed_at"`
}

var cannedText = []string{
	"Let's review the action items from last week.",
	"The deployment pipeline finished without errors this time.",
	"We should schedule a follow-up about the storage migration.",
	"I'll share the updated numbers right after this call.",
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	chunkID := r.FormValue("chunk_id")
	seq := parseUint64(r.FormValue("seq"))
	meetingID := r.FormValue("meeting_id")
	kind := r.FormValue("kind")
	startSeconds := r.FormValue("start_seconds")
	endSeconds := r.FormValue("end_seconds")
	model := r.FormValue("model")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("🎤 TRANSCRIPTION REQUEST:")
	log.Printf("    Chunk: %s (seq %d, kind %s)", chunkID, seq, kind)
	log.Printf("    Meeting: %s", meetingID)
	log.Printf("    Span: %s - %s seconds", startSeconds, endSeconds)
	log.Printf("    Audio: %s, %d bytes", header.Filename, len(audioData))
	log.Printf("    Model: %s", model)

	// Simulate processing time
	time.Sleep(200 * time.Millisecond)

	response := transcriptionResponse{
		ChunkID:     chunkID,
		Seq:         seq,
		Text:        cannedText[seq%uint64(len(cannedText))],
		Confidence:  0.95,
		Language:    "en",
		ProcessedAt: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("✅ RESPONSE SENT: %q", response.Text)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func parseUint64(s string) uint64 {
	val, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return val
}

func main() {
	http.HandleFunc("/transcribe", transcribeHandler)
	http.HandleFunc("/health", healthHandler)

	port := ":8081"
	log.Printf("🚀 Mock Transcription Engine starting on port %s", port)
	log.Printf("📡 Endpoint: http://localhost%s/transcribe", port)

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
