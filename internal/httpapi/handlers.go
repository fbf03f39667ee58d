package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"polychat/internal/conversation"
	"polychat/internal/storage"
)

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.chats.Catalog().List()})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.chats.ListModels(r.Context(), s.owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defaultID := ""
	if m, err := s.chats.DefaultModel(r.Context(), s.owner); err == nil {
		defaultID = m.ID
	}
	out := make([]modelView, 0, len(models))
	for _, m := range models {
		out = append(out, toModelView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out, "default_model_id": defaultID})
}

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.chats.CreateModel(r.Context(), s.owner, req.input())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toModelView(m))
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.chats.GetModel(r.Context(), s.owner, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelView(m))
}

func (s *Server) updateModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.chats.UpdateModel(r.Context(), s.owner, r.PathValue("id"), req.input())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelView(m))
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.DeleteModel(r.Context(), s.owner, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) useModel(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.UseModel(r.Context(), s.owner, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.chats.ListPresets(r.Context(), s.owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]presetView, 0, len(presets))
	for _, p := range presets {
		out = append(out, toPresetView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": out})
}

func (s *Server) createPreset(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.chats.CreatePreset(r.Context(), s.owner, conversation.PresetInput(req))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPresetView(p))
}

func (s *Server) getPreset(w http.ResponseWriter, r *http.Request) {
	p, err := s.chats.GetPreset(r.Context(), s.owner, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPresetView(p))
}

func (s *Server) updatePreset(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.chats.UpdatePreset(r.Context(), s.owner, r.PathValue("id"), conversation.PresetInput(req))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPresetView(p))
}

func (s *Server) deletePreset(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.DeletePreset(r.Context(), s.owner, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activeID(r *http.Request) string {
	if c, err := s.chats.Active(r.Context(), s.owner); err == nil {
		return c.ID
	}
	return ""
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	convs, err := s.chats.List(r.Context(), s.owner, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	active := s.activeID(r)
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationView(c, active))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// startConversation creates a conversation and runs the preset priming. With
// Accept: text/event-stream the priming replies are streamed.
func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ModelConfigID == "" {
		m, err := s.chats.DefaultModel(r.Context(), s.owner)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "model_config_id is required: no enabled default model")
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		req.ModelConfigID = m.ID
	}

	s.respond(w, r, http.StatusCreated, func(fn conversation.StreamFunc) (any, error) {
		tr, err := s.chats.Start(r.Context(), s.owner, conversation.StartParams{
			ModelConfigID: req.ModelConfigID,
			PresetID:      req.PresetID,
			Title:         req.Title,
		}, fn)
		if err != nil {
			return nil, err
		}
		view := toConversationView(tr.Conversation, tr.Conversation.ID)
		view.Messages = toMessageViews(tr.Messages)
		return view, nil
	})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	tr, err := s.chats.Get(r.Context(), s.owner, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := toConversationView(tr.Conversation, s.activeID(r))
	view.Messages = toMessageViews(tr.Messages)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) patchConversation(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if req.Title != nil {
		if err := s.chats.Rename(r.Context(), s.owner, id, *req.Title); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.ModelConfigID != nil {
		if err := s.chats.ChangeModel(r.Context(), s.owner, id, *req.ModelConfigID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.Active != nil && *req.Active {
		if err := s.chats.SetActive(r.Context(), s.owner, id); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.getConversation(w, r)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.Delete(r.Context(), s.owner, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	s.respond(w, r, http.StatusOK, func(fn conversation.StreamFunc) (any, error) {
		msg, err := s.chats.Send(r.Context(), s.owner, id, req.Text, fn)
		if err != nil {
			return nil, err
		}
		return toMessageView(msg), nil
	})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.respond(w, r, http.StatusOK, func(fn conversation.StreamFunc) (any, error) {
		msg, err := s.chats.Retry(r.Context(), s.owner, id, fn)
		if err != nil {
			return nil, err
		}
		return toMessageView(msg), nil
	})
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	format := conversation.ExportFormat(r.URL.Query().Get("format"))
	body, ctype, err := s.chats.Export(r.Context(), s.owner, r.PathValue("id"), format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
