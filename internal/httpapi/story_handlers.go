package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/loqalabs/soilsong/internal/llm"
	"github.com/loqalabs/soilsong/internal/storage"
	"github.com/loqalabs/soilsong/internal/story"
)

// reading accepts a JSON number or a numeric string. Unparseable strings
// decode to NaN so range validation rejects them.
type reading struct {
	value float64
	set   bool
}

func (r *reading) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		r.value, r.set = num, true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("reading must be a number or numeric string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil {
		parsed = math.NaN()
	}
	r.value, r.set = parsed, true
	return nil
}

type storyRequest struct {
	PH          reading `json:"pH"`
	Acidity     reading `json:"acidity"`
	Moisture    reading `json:"moisture"`
	Base64Image string  `json:"base64Image"`
	ImageBase64 string  `json:"imageBase64"`
}

type analysisResponse struct {
	SoilHealth      llm.SoilHealth       `json:"soil_health"`
	Issues          []llm.Issue          `json:"issues"`
	Recommendations []llm.Recommendation `json:"recommendations"`
	SuitablePlants  []string             `json:"suitable_plants"`
}

type storyResponse struct {
	RequestID       string           `json:"requestId"`
	Story           string           `json:"story"`
	AudioURI        string           `json:"audioUri"`
	AudioDurationMS int64            `json:"audioDurationMs"`
	Analysis        analysisResponse `json:"analysis"`
}

func (r *Router) handleStory(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes)

	var body storyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	acidity := body.PH
	if !acidity.set {
		acidity = body.Acidity
	}
	if !acidity.set || !body.Moisture.set {
		writeError(w, http.StatusBadRequest, "Missing required parameters: pH and moisture are required")
		return
	}

	obs := story.Observation{Acidity: acidity.value, Moisture: body.Moisture.value}
	if err := story.Validate(obs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	image := body.Base64Image
	if image == "" {
		image = body.ImageBase64
	}
	if image != "" {
		data, err := decodeImage(image)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid image data: must be base64 encoded")
			return
		}
		if name, err := r.saveImage(req.Context(), data); err != nil {
			r.logger.Warn("failed to store soil image", slogError(err))
		} else {
			r.logger.Info("soil image stored", slog.String("name", name), slog.Int("bytes", len(data)))
			obs.ImageDescriptor = r.cfg.ImageDescriptor
		}
	}

	result, err := r.stories.Handle(req.Context(), obs)
	if err != nil {
		if errors.Is(err, story.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.logger.Error("story request failed", slogError(err))
		captureError(req, err, "story request failed")
		resp := map[string]string{"error": "Failed to generate soil story"}
		if !r.cfg.Production {
			resp["detail"] = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	n := result.Narrative
	writeJSON(w, http.StatusOK, storyResponse{
		RequestID:       result.RequestID,
		Story:           n.Story,
		AudioURI:        result.Asset.Locator,
		AudioDurationMS: result.Asset.DurationMillis,
		Analysis: analysisResponse{
			SoilHealth:      n.SoilHealth,
			Issues:          nonNil(n.Issues),
			Recommendations: nonNil(n.Recommendations),
			SuitablePlants:  nonNil(n.SuitablePlants),
		},
	})
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ","); ok {
			s = payload
		}
	}
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	return data, nil
}

func (r *Router) saveImage(ctx context.Context, data []byte) (string, error) {
	if r.stores.Uploads == nil {
		return "", errors.New("no upload store configured")
	}
	name := "soil_" + uuid.NewString() + ".jpg"
	if _, err := storage.WriteFile(ctx, r.stores.Uploads, name, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return name, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
