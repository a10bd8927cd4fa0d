package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"aide-backend/internal/database"
	"aide-backend/internal/messaging"
	"aide-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BackendService is the dispatch surface: it creates task records, publishes
// the matching queue message, and exposes task and model-state status.
type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher) *BackendService {
	return &BackendService{db: db, publisher: publisher}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/projects/{project}", func(r chi.Router) {
		r.Post("/update", RestHandler(s.SubmitUpdateTask))
		r.Post("/train", RestHandler(s.SubmitTrainTask))
		r.Post("/average", RestHandler(s.SubmitAverageTask))
		r.Post("/inference", RestHandler(s.SubmitInferenceTask))
		r.Get("/tasks", RestHandler(s.ListTasks))
		r.Get("/states", RestHandler(s.ListModelStates))
	})
	r.Get("/tasks/{task_id}", RestHandler(s.GetTask))
}

func (s *BackendService) projectShortname(r *http.Request) (string, error) {
	project := chi.URLParam(r, "project")
	if project == "" {
		return "", CodedErrorf(http.StatusBadRequest, "missing {project} url parameter")
	}
	if err := validateShortname(project); err != nil {
		return "", err
	}

	var row database.Project
	if err := s.db.WithContext(r.Context()).First(&row, "shortname = ?", project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", CodedErrorf(http.StatusNotFound, "project '%s' not found", project)
		}
		slog.Error("error fetching project", "project", project, "error", err)
		return "", CodedErrorf(http.StatusInternalServerError, "error retrieving project")
	}
	return project, nil
}

func (s *BackendService) createTask(r *http.Request, project, taskType string, epoch, epochs int) (uuid.UUID, error) {
	taskId, err := database.CreateTaskRecord(r.Context(), s.db, project, taskType, epoch, epochs)
	if err != nil {
		return uuid.Nil, CodedErrorf(http.StatusInternalServerError, "failed to create task record")
	}
	return taskId, nil
}

func (s *BackendService) SubmitUpdateTask(r *http.Request) (any, error) {
	project, err := s.projectShortname(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.SubmitUpdateRequest](r)
	if err != nil {
		return nil, err
	}

	taskId, err := s.createTask(r, project, database.TaskTypeUpdate, req.Epoch, req.Epochs)
	if err != nil {
		return nil, err
	}

	payload := messaging.UpdateTaskPayload{
		TaskHeader: messaging.TaskHeader{
			TaskId:        taskId,
			Project:       project,
			Epoch:         req.Epoch,
			Epochs:        req.Epochs,
			ModelLibrary:  req.ModelLibrary,
			ModelSettings: req.ModelSettings,
		},
	}
	if err := s.publisher.PublishUpdateTask(r.Context(), payload); err != nil {
		slog.Error("error publishing update task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue update task")
	}

	slog.Info("submitted update task", "project", project, "task_id", taskId)
	return api.SubmitTaskResponse{TaskId: taskId}, nil
}

func (s *BackendService) SubmitTrainTask(r *http.Request) (any, error) {
	project, err := s.projectShortname(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.SubmitTrainRequest](r)
	if err != nil {
		return nil, err
	}

	if len(req.ImageIds) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "training requires at least one image id")
	}

	taskId, err := s.createTask(r, project, database.TaskTypeTrain, req.Epoch, req.Epochs)
	if err != nil {
		return nil, err
	}

	payload := messaging.TrainTaskPayload{
		TaskHeader: messaging.TaskHeader{
			TaskId:        taskId,
			Project:       project,
			Epoch:         req.Epoch,
			Epochs:        req.Epochs,
			ModelLibrary:  req.ModelLibrary,
			ModelSettings: req.ModelSettings,
		},
		ImageIds: req.ImageIds,
		IsSubset: req.IsSubset,
	}
	if err := s.publisher.PublishTrainTask(r.Context(), payload); err != nil {
		slog.Error("error publishing training task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("submitted training task", "project", project, "task_id", taskId, "images", len(req.ImageIds))
	return api.SubmitTaskResponse{TaskId: taskId}, nil
}

func (s *BackendService) SubmitAverageTask(r *http.Request) (any, error) {
	project, err := s.projectShortname(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.SubmitAverageRequest](r)
	if err != nil {
		return nil, err
	}

	taskId, err := s.createTask(r, project, database.TaskTypeAverage, req.Epoch, req.Epochs)
	if err != nil {
		return nil, err
	}

	payload := messaging.AverageTaskPayload{
		TaskHeader: messaging.TaskHeader{
			TaskId:        taskId,
			Project:       project,
			Epoch:         req.Epoch,
			Epochs:        req.Epochs,
			ModelLibrary:  req.ModelLibrary,
			ModelSettings: req.ModelSettings,
		},
	}
	if err := s.publisher.PublishAverageTask(r.Context(), payload); err != nil {
		slog.Error("error publishing average task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue average task")
	}

	slog.Info("submitted average task", "project", project, "task_id", taskId)
	return api.SubmitTaskResponse{TaskId: taskId}, nil
}

func (s *BackendService) SubmitInferenceTask(r *http.Request) (any, error) {
	project, err := s.projectShortname(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.SubmitInferenceRequest](r)
	if err != nil {
		return nil, err
	}

	if len(req.ImageIds) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "inference requires at least one image id")
	}

	taskId, err := s.createTask(r, project, database.TaskTypeInference, req.Epoch, req.Epochs)
	if err != nil {
		return nil, err
	}

	payload := messaging.InferenceTaskPayload{
		TaskHeader: messaging.TaskHeader{
			TaskId:        taskId,
			Project:       project,
			Epoch:         req.Epoch,
			Epochs:        req.Epochs,
			ModelLibrary:  req.ModelLibrary,
			ModelSettings: req.ModelSettings,
		},
		ImageIds:    req.ImageIds,
		AlCriterion: req.AlCriterion,
		AlSettings:  req.AlSettings,
	}
	if err := s.publisher.PublishInferenceTask(r.Context(), payload); err != nil {
		slog.Error("error publishing inference task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue inference task")
	}

	slog.Info("submitted inference task", "project", project, "task_id", taskId, "images", len(req.ImageIds))
	return api.SubmitTaskResponse{TaskId: taskId}, nil
}

func (s *BackendService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	var record database.TaskRecord
	if err := s.db.WithContext(r.Context()).Preload("Faults").First(&record, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "task not found")
		}
		slog.Error("error getting task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task record")
	}

	return convertTask(record), nil
}

func (s *BackendService) ListTasks(r *http.Request) (any, error) {
	project, err := s.projectShortname(r)
	if err != nil {
		return nil, err
	}
	query, err := ParseRequestQueryParams[api.ListTasksQuery](r)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(r.Context()).Where("project = ?", project)
	if query.Status != "" {
		db = db.Where("status = ?", query.Status)
	}
	if query.Type != "" {
		db = db.Where("type = ?", query.Type)
	}

	var records []database.TaskRecord
	if err := db.Order("creation_time DESC").Find(&records).Error; err != nil {
		slog.Error("error listing tasks", "project", project, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing task records")
	}

	tasks := make([]api.Task, 0, len(records))
	for _, record := range records {
		tasks = append(tasks, convertTask(record))
	}
	return tasks, nil
}

func (s *BackendService) ListModelStates(r *http.Request) (any, error) {
	project, err := s.projectShortname(r)
	if err != nil {
		return nil, err
	}

	var rows []database.ModelState
	if err := s.db.WithContext(r.Context()).
		Select("id", "project", "model_library", "al_criterion_library", "partial", "marketplace_origin_id", "labelclass_autoupdate", "stats", "time_created").
		Where("project = ?", project).
		Order("time_created DESC").
		Find(&rows).Error; err != nil {
		slog.Error("error listing model states", "project", project, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing model states")
	}

	states := make([]api.ModelState, 0, len(rows))
	for _, row := range rows {
		state := api.ModelState{
			Id:                   row.Id,
			Project:              row.Project,
			ModelLibrary:         row.ModelLibrary,
			AlCriterionLibrary:   row.AlCriterionLibrary,
			Partial:              row.Partial,
			LabelclassAutoupdate: row.LabelclassAutoupdate,
			TimeCreated:          row.TimeCreated,
		}
		if row.MarketplaceOriginId.Valid {
			origin := row.MarketplaceOriginId.UUID
			state.MarketplaceOriginId = &origin
		}
		if len(row.Stats) > 0 {
			if err := json.Unmarshal(row.Stats, &state.Stats); err != nil {
				slog.Warn("invalid statistics on model state", "state_id", row.Id, "error", err)
			}
		}
		states = append(states, state)
	}
	return states, nil
}

func convertTask(record database.TaskRecord) api.Task {
	task := api.Task{
		Id:             record.Id,
		Project:        record.Project,
		Type:           record.Type,
		Status:         record.Status,
		Epoch:          record.Epoch,
		Epochs:         record.Epochs,
		Done:           record.Done,
		Total:          record.Total,
		Message:        record.Message,
		CreationTime:   record.CreationTime,
		StartTime:      record.StartTime,
		CompletionTime: record.CompletionTime,
	}
	for _, fault := range record.Faults {
		task.Faults = append(task.Faults, api.TaskFault{
			Stage:     fault.Stage,
			Reason:    fault.Reason,
			Timestamp: fault.Timestamp,
		})
	}
	return task
}
