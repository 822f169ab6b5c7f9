package routes

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/coah80/bgm/internal/services"
	"github.com/coah80/bgm/internal/util"
)

// multipartSlack covers boundaries and part headers around the file.
const multipartSlack = 1 << 20

const uploadField = "file"

func VideoRoutes(r chi.Router, d *Deps) {
	r.Post("/api/video/upload", d.handleUpload)
	r.Get("/api/video/download/{filename}", d.handleDownload)
	r.Get("/api/video/download", d.handleDownload)
}

func (d *Deps) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := d.logger().WithPrefix("upload")
	maxBody := d.Gate.MaxUploadSize() + multipartSlack

	if r.ContentLength > maxBody {
		respondFail(w, http.StatusBadRequest,
			fmt.Sprintf("File too large. Maximum size is %s", humanize.IBytes(uint64(d.Gate.MaxUploadSize()))))
		return
	}
	if r.ContentLength == 0 {
		respondFail(w, http.StatusBadRequest, "File is empty, please choose a video file to upload")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	mr, err := r.MultipartReader()
	if err != nil {
		respondFail(w, http.StatusBadRequest, "Expected a multipart/form-data upload")
		return
	}

	part, err := nextFilePart(mr)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondFail(w, http.StatusBadRequest, "File too large")
			return
		}
		respondFail(w, http.StatusBadRequest, "Please choose a video file to upload")
		return
	}
	defer part.Close()

	resp, err := d.Uploader.Upload(r.Context(), services.UploadRequest{
		Body:     part,
		Filename: part.FileName(),
		Size:     declaredSize(part),
	})
	if err != nil {
		respondError(w, logger, err)
		return
	}

	logger.Info("upload accepted", "file", resp.Filename, "ip", r.RemoteAddr)
	respondOK(w, "Upload successful", resp)
}

// nextFilePart skips to the file field. Other fields are ignored.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no file part")
			}
			return nil, err
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// declaredSize reads a per-part Content-Length. Browsers rarely send one,
// so -1 (unknown) is the usual answer.
func declaredSize(part *multipart.Part) int64 {
	v := part.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func (d *Deps) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" {
		name = r.URL.Query().Get("filename")
	}

	f, info, err := d.Placer.Open(name)
	if err != nil {
		respondError(w, d.logger().WithPrefix("download"), err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, util.ToASCII(info.Name())))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
