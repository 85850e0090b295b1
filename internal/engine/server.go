package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/throw-if-null/retouch/internal/api"
	"github.com/throw-if-null/retouch/internal/images"
	"github.com/throw-if-null/retouch/internal/paths"
)

// ImageRepo is the full image collaborator surface the HTTP layer exposes;
// the orchestrator itself only needs the narrower ImageStore.
type ImageRepo interface {
	Put(data []byte, originalName, mimeType string) (*api.ImageInfo, error)
	Get(id string) (*api.ImageInfo, error)
	List() ([]*api.ImageInfo, error)
	Delete(id string) error
	Path(id string) (string, error)
}

// maximum upload size accepted by the images endpoint
const maxUploadBytes = 50 << 20 // 50 MiB

type Server struct {
	orch   *Orchestrator
	images ImageRepo
	root   string
}

func NewServer(orch *Orchestrator, repo ImageRepo, root string) *Server {
	return &Server{orch: orch, images: repo, root: root}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/flux/edit", s.handleCreateTask)
	mux.HandleFunc("GET /api/flux/status/{task_id}", s.handleGetTask)
	mux.HandleFunc("GET /api/flux/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/flux/models", s.handleListModels)
	mux.HandleFunc("GET /api/tasks/{task_id}/result", s.handleTaskResult)
	mux.HandleFunc("POST /api/images/upload", s.handleUploadImage)
	mux.HandleFunc("GET /api/images", s.handleListImages)
	mux.HandleFunc("GET /api/images/{image_id}/file", s.handleImageFile)
	mux.HandleFunc("DELETE /api/images/{image_id}", s.handleDeleteImage)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req api.EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.orch.CreateTask(r.Context(), &req)
	if errors.Is(err, ErrInvalid) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "source image not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	task, err := s.orch.GetTask(taskID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []*api.Task
	var err error
	if imageID := r.URL.Query().Get("image_id"); imageID != "" {
		tasks, err = s.orch.ListTasksByImage(imageID)
	} else {
		tasks, err = s.orch.ListTasks()
	}
	if err != nil {
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*api.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

var modelCatalog = []api.ModelInfo{
	{
		ID:          api.ModelKontextPro,
		Name:        "FLUX.1 Kontext [pro]",
		Description: "Fast, iterative image editing with local modifications",
		Speed:       "fast",
		Quality:     "good",
	},
	{
		ID:          api.ModelKontextMax,
		Name:        "FLUX.1 Kontext [max]",
		Description: "Experimental model with improved prompt adherence and typography",
		Speed:       "slower",
		Quality:     "excellent",
	},
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelCatalog)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateID(taskID); err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	task, err := s.orch.GetTask(taskID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}
	if task.Status != api.TaskCompleted || task.ResultPath == "" {
		http.Error(w, "task has no result", http.StatusConflict)
		return
	}

	full, err := paths.SafeJoin(s.root, task.ResultPath)
	if err != nil {
		http.Error(w, "failed to read result", http.StatusInternalServerError)
		return
	}
	http.ServeFile(w, r, full)
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "no image file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	info, err := s.images.Put(data, header.Filename, http.DetectContentType(data))
	if errors.Is(err, images.ErrUnsupportedType) {
		http.Error(w, "invalid file type, only JPEG, PNG, WebP and TIFF are allowed", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "failed to store image", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListImages(w http.ResponseWriter, _ *http.Request) {
	list, err := s.images.List()
	if err != nil {
		http.Error(w, "failed to list images", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*api.ImageInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleImageFile(w http.ResponseWriter, r *http.Request) {
	imageID := r.PathValue("image_id")
	if err := paths.ValidateID(imageID); err != nil {
		http.Error(w, "invalid image_id", http.StatusBadRequest)
		return
	}
	p, err := s.images.Path(imageID)
	if errors.Is(err, images.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read image", http.StatusInternalServerError)
		return
	}
	http.ServeFile(w, r, p)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	imageID := r.PathValue("image_id")
	if err := paths.ValidateID(imageID); err != nil {
		http.Error(w, "invalid image_id", http.StatusBadRequest)
		return
	}
	err := s.images.Delete(imageID)
	if errors.Is(err, images.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to delete image", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
