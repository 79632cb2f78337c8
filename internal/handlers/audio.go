package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/mbaillet/chatvox/internal/services"
)

// Uploaded recordings are short voice clips; anything bigger is rejected up front.
const maxAudioUploadBytes = 25 << 20

// HandleModels returns the model ids available to the configured credential, sorted
// lexicographically.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	ids, err := m.modelLister.ListModels(r.Context())
	if err != nil {
		m.logger.Error("Failed to list models", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), apiErrorStatus(err))
		return
	}
	m.writeJSON(w, http.StatusOK, map[string][]string{"models": ids})
}

// HandleTranscriptions accepts a finished audio recording as a multipart "file" part and
// returns the recognized text. When a "chat_id" field accompanies the upload, the transcribed
// text is also submitted as a turn on that conversation, mirroring the record-and-send flow.
func (m Main) HandleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Audio file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		m.logger.Error("Failed to read audio upload", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	text, err := m.transcriber.Transcribe(r.Context(), header.Filename, audio)
	if err != nil {
		m.logger.Error("Transcription failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), apiErrorStatus(err))
		return
	}

	if chatID := r.FormValue("chat_id"); chatID != "" {
		go m.runTurn(chatID, text)
	}

	m.writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// apiErrorStatus maps a classified API error to the status this surface reports for it.
func apiErrorStatus(err error) int {
	switch services.Kind(err) {
	case services.ErrKindInvalidAPIKey:
		return http.StatusUnauthorized
	case services.ErrKindRateLimit:
		return http.StatusTooManyRequests
	case services.ErrKindInvalidAudio:
		return http.StatusBadRequest
	case services.ErrKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
