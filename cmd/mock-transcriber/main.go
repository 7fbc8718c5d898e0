// Command mock-transcriber is a stand-in transcription API for local runs.
// It accepts the service's WAV multipart uploads, checks the audio and
// answers with a canned transcript.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
)

type transcriptionResponse struct {
	SegmentID    string    `json:"segment_id"`
	ConnectionID string    `json:"connection_id"`
	Text         string    `json:"text"`
	Language     string    `json:"language"`
	Duration     float64   `json:"duration"`
	ProcessedAt  time.Time `json:"processed_at"`
}

type transcriber struct {
	logger *slog.Logger
	delay  time.Duration
	text   string
}

func (t *transcriber) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	_, info, err := audio.DecodeWAV(data)
	if err != nil {
		t.logger.Warn("Rejected upload", slog.String("filename", header.Filename), slog.String("error", err.Error()))
		http.Error(w, "Invalid WAV file: "+err.Error(), http.StatusBadRequest)
		return
	}

	t.logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("segment_id", r.FormValue("segment_id")),
		slog.String("connection_id", r.FormValue("connection_id")),
		slog.String("start_ms", r.FormValue("start_ms")),
		slog.String("end_ms", r.FormValue("end_ms")),
		slog.String("language", r.FormValue("language")),
		slog.String("filename", header.Filename),
		slog.Int("audio_bytes", len(data)),
		slog.Int("sample_rate", info.SampleRate),
		slog.Float64("duration_seconds", info.Duration),
	)

	// Simulate processing time
	time.Sleep(t.delay)

	response := transcriptionResponse{
		SegmentID:    r.FormValue("segment_id"),
		ConnectionID: r.FormValue("connection_id"),
		Text:         t.text,
		Language:     r.FormValue("language"),
		Duration:     info.Duration,
		ProcessedAt:  time.Now(),
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, response.Text)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	text := flag.String("text", "Це тестова транскрипція фрагменту мовлення", "Transcript returned for every segment")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	t := &transcriber{logger: logger, delay: *delay, text: *text}

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", t.handleTranscribe)

	logger.Info("Mock transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "http://localhost"+*addr+"/transcribe"))

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
