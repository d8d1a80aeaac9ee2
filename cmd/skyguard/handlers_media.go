package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/detection"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/s3util"
)

// GET /api/health
func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	cur := a.analyzer.Current()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "running",
		"version":      version,
		"model_loaded": cur.Analyzer != nil,
		"model":        cur.Model,
		"analyzer":     cur.Analyzer.Name(),
		"backend":      a.cfg.Analyzer.Backend,
		"active_jobs":  a.registry.Active(),
		"streams":      a.registry.StreamCount(),
	})
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
	Filepath string `json:"filepath"`
	FileType string `json:"file_type"`
	Message  string `json:"message"`
}

// POST /api/upload (multipart field "video" or "image")
func (a *app) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		httpError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileType := "video"
	file, header, err := r.FormFile("video")
	if err != nil {
		fileType = "image"
		file, header, err = r.FormFile("image")
	}
	if err != nil {
		httpError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		httpError(w, http.StatusBadRequest, "No selected file")
		return
	}
	name := media.SanitizeFilename(header.Filename)
	switch {
	case fileType == "video" && !media.IsVideo(name):
		httpError(w, http.StatusBadRequest, "Invalid video file type. Allowed: mp4, avi, mov, mkv, webm")
		return
	case fileType == "image" && !media.IsImage(name):
		httpError(w, http.StatusBadRequest, "Invalid image file type. Allowed: jpg, jpeg, png, bmp, tiff, webp")
		return
	}

	path := filepath.Join(a.cfg.Storage.UploadDir, name)
	if err := saveUpload(file, path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to save upload")
		httpError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	log.Info().Str("file", name).Str("type", fileType).Int64("bytes", header.Size).Msg("Upload saved")

	respondJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		Filename: name,
		Filepath: path,
		FileType: fileType,
		Message:  fmt.Sprintf("%s%s uploaded successfully", strings.ToUpper(fileType[:1]), fileType[1:]),
	})
}

func saveUpload(src multipart.File, path string) error {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

type detectImageRequest struct {
	Filename string `json:"filename"`
}

type detectImageResponse struct {
	Success     bool                  `json:"success"`
	Detections  []detection.Detection `json:"detections"`
	Count       int                   `json:"count"`
	FrameBase64 string                `json:"frame_base64"`
	OutputFile  string                `json:"output_file"`
}

// POST /api/detect/image
func (a *app) handleDetectImage(w http.ResponseWriter, r *http.Request) {
	var req detectImageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		httpError(w, http.StatusBadRequest, "No filename provided")
		return
	}
	if !plainName(req.Filename) || !media.IsImage(req.Filename) {
		httpError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(a.cfg.Storage.UploadDir, req.Filename)
	if _, err := os.Stat(path); err != nil {
		httpError(w, http.StatusNotFound, "Image file not found")
		return
	}
	img, err := media.DecodeImage(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to decode image")
		httpError(w, http.StatusBadRequest, "Failed to read image")
		return
	}

	dets, annotated, err := a.detectOne(r.Context(), img)
	if err != nil {
		log.Error().Err(err).Str("file", req.Filename).Msg("Image detection failed")
		httpError(w, http.StatusBadGateway, "Detection failed")
		return
	}

	out := outputName(req.Filename, a.cfg.Pipeline.OutputFormat, jobs.NewTag())
	sink := media.NewImageSink(filepath.Join(a.cfg.Storage.OutputDir, out), a.cfg.Pipeline.JPEGQuality)
	err = sink.WriteFrame(r.Context(), annotated)
	if err == nil {
		err = sink.Close()
	}
	if err != nil {
		log.Error().Err(err).Str("file", out).Msg("Failed to write annotated image")
		httpError(w, http.StatusInternalServerError, "failed to save annotated image")
		return
	}

	preview, err := media.EncodePreview(annotated, a.cfg.Pipeline.JPEGQuality, 0)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to encode preview")
		return
	}
	respondJSON(w, http.StatusOK, detectImageResponse{
		Success:     true,
		Detections:  dets,
		Count:       len(dets),
		FrameBase64: preview,
		OutputFile:  out,
	})
}

// maxFrameBytes bounds a single live frame upload.
const maxFrameBytes = 32 << 20

// POST /api/detect/frame (multipart field "frame")
//
// Real-time detection on one frame from a client camera. Nothing is written
// to disk.
func (a *app) handleDetectFrame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBytes)
	file, _, err := r.FormFile("frame")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "frame too large")
			return
		}
		httpError(w, http.StatusBadRequest, "No frame provided")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	img, err := media.DecodeReader(file)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to decode frame")
		httpError(w, http.StatusBadRequest, "Failed to read frame")
		return
	}

	dets, annotated, err := a.detectOne(r.Context(), img)
	if err != nil {
		log.Error().Err(err).Msg("Frame detection failed")
		httpError(w, http.StatusBadGateway, "Detection failed")
		return
	}
	preview, err := media.EncodePreview(annotated, a.cfg.Pipeline.JPEGQuality, a.cfg.Pipeline.PreviewMaxWidth)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to encode preview")
		return
	}
	respondJSON(w, http.StatusOK, detectFrameResponse{
		Success:     true,
		Detections:  dets,
		Count:       len(dets),
		FrameBase64: preview,
	})
}

type detectFrameResponse struct {
	Success     bool                  `json:"success"`
	Detections  []detection.Detection `json:"detections"`
	Count       int                   `json:"count"`
	FrameBase64 string                `json:"frame_base64"`
}

// detectOne analyzes a single image and returns its detections (never nil)
// and the annotated copy.
func (a *app) detectOne(ctx context.Context, img image.Image) ([]detection.Detection, image.Image, error) {
	res, err := a.analyzer.Analyze(ctx, img)
	if err != nil {
		return nil, nil, err
	}
	annotated := res.Annotated
	if annotated == nil {
		annotated = detection.Annotate(img, res.Detections)
	}
	dets := res.Detections
	if dets == nil {
		dets = []detection.Detection{}
	}
	return dets, annotated, nil
}

// GET /api/download/{filename}
func (a *app) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if !plainName(name) {
		httpError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(a.cfg.Storage.OutputDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		httpError(w, http.StatusNotFound, "File not found: "+name)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", s3util.ContentTypeFor(name))
	http.ServeFile(w, r, path)
}
