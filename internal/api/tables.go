package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/reference"
	"github.com/tjfontaine/webhook-gateway/internal/server"
)

type uploadResponse struct {
	Status      string `json:"status"`
	TableID     string `json:"table_id"`
	TableName   string `json:"table_name"`
	StorageName string `json:"storage_name"`
	RowCount    int64  `json:"row_count"`
}

func (h *Handler) handleUploadTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		server.WriteError(w, r, domain.WrapError(domain.ErrorTypeInvalidRequest, "invalid multipart form", err))
		return
	}

	endpointID := strings.TrimSpace(r.FormValue("webhook_id"))
	name := r.FormValue("table_name")
	description := r.FormValue("description")
	server.AddLogField(ctx, "webhook_id", endpointID)

	if endpointID == "" || strings.TrimSpace(name) == "" {
		server.WriteError(w, r, domain.Invalid("webhook_id and table_name are required"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			err = domain.Invalid("file is required")
		}
		server.WriteError(w, r, err)
		return
	}
	defer file.Close()

	table, err := reference.Parse(header.Filename, file)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	if _, err := h.store.GetEndpoint(ctx, endpointID); err != nil {
		server.WriteError(w, r, err)
		return
	}

	rt, err := h.references.Upload(ctx, endpointID, name, description, table)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, uploadResponse{
		Status:      statusSuccess,
		TableID:     rt.ID,
		TableName:   rt.Name,
		StorageName: rt.StorageName,
		RowCount:    rt.RowCount,
	})
}

func (h *Handler) handleListReferenceTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.store.ListReferenceTables(r.Context(), r.URL.Query().Get("webhook_id"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "reference_tables": nonNil(tables)})
}

type registerFunctionResponse struct {
	Status             string `json:"status"`
	FunctionID         string `json:"udf_id"`
	FunctionName       string `json:"function_name"`
	EngineFunctionName string `json:"engine_function_name"`
	ReturnType         string `json:"return_type"`
}

func (h *Handler) handleRegisterFunction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	endpointID := strings.TrimSpace(r.FormValue("webhook_id"))
	name := strings.TrimSpace(r.FormValue("function_name"))
	source := r.FormValue("function_code")
	server.AddLogField(ctx, "webhook_id", endpointID)

	if endpointID == "" || name == "" || strings.TrimSpace(source) == "" {
		server.WriteError(w, r, domain.Invalid("webhook_id, function_name and function_code are required"))
		return
	}
	if _, err := h.store.GetEndpoint(ctx, endpointID); err != nil {
		server.WriteError(w, r, err)
		return
	}

	fn, err := h.functions.Register(ctx, endpointID, name, source)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, registerFunctionResponse{
		Status:             statusSuccess,
		FunctionID:         fn.ID,
		FunctionName:       fn.Name,
		EngineFunctionName: fn.EngineName,
		ReturnType:         fn.ReturnType,
	})
}

func (h *Handler) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	fns, err := h.store.ListExtensionFunctions(r.Context(), r.URL.Query().Get("webhook_id"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "udfs": nonNil(fns)})
}
