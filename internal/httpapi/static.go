package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/loqalabs/soilsong/internal/storage"
)

// serveFrom streams stored files. Seekable files get range support so
// players can resume mid-track.
func (r *Router) serveFrom(store storage.FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		name, err := storage.CleanName(req.PathValue("name"))
		if err != nil {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		rc, err := store.Read(req.Context(), name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				writeError(w, http.StatusNotFound, "Not found")
				return
			}
			r.logger.Warn("failed to read stored file", slog.String("name", name), slogError(err))
			writeError(w, http.StatusInternalServerError, "Failed to read file")
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", storage.ContentType(name))
		w.Header().Set("Cache-Control", "public, max-age=3600")
		if rs, ok := rc.(io.ReadSeeker); ok {
			http.ServeContent(w, req, name, time.Time{}, rs)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
