package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aau-zid/schedulight-go/internal/conference"
	"github.com/aau-zid/schedulight-go/internal/ledger"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/model"
	"go.uber.org/zap"
)

type listResponse struct {
	Message string   `json:"message"`
	Data    []string `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// --- servers ---

func (a *API) listServers(c *gin.Context) {
	ids, err := a.b.SetMembers(c.Request.Context(), "servers")
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to list servers", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, listResponse{Message: "ok", Data: ids})
}

func (a *API) createServer(c *gin.Context) {
	var srv model.Server
	if err := c.ShouldBindJSON(&srv); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid server record", Error: err.Error()})
		return
	}
	if err := a.v.Struct(srv); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "schema validation failed", Error: err.Error()})
		return
	}
	if err := a.writeServer(c, srv); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to store server", Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "created", "id": srv.ID})
}

func (a *API) getServer(c *gin.Context) {
	id := c.Param("id")
	raw, found, err := a.b.GetRecord(c.Request.Context(), "server", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load server", Error: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Message: "server not found"})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(raw))
}

func (a *API) putServer(c *gin.Context) {
	id := c.Param("id")
	var srv model.Server
	if err := c.ShouldBindJSON(&srv); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid server record", Error: err.Error()})
		return
	}
	srv.ID = id
	if err := a.v.Struct(srv); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "schema validation failed", Error: err.Error()})
		return
	}
	_, existed, err := a.b.GetRecord(c.Request.Context(), "server", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to check server", Error: err.Error()})
		return
	}
	if err := a.writeServer(c, srv); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to store server", Error: err.Error()})
		return
	}
	if existed {
		c.JSON(http.StatusOK, gin.H{"message": "updated", "id": id})
	} else {
		c.JSON(http.StatusCreated, gin.H{"message": "created", "id": id})
	}
}

// deleteServer removes a server by its path id.
func (a *API) deleteServer(c *gin.Context) {
	id := c.Param("id")
	_, found, err := a.b.GetRecord(c.Request.Context(), "server", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load server", Error: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Message: "server not found"})
		return
	}
	if err := a.b.DeleteRecord(c.Request.Context(), "server", id); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to delete server", Error: err.Error()})
		return
	}
	if err := a.b.SetRemove(c.Request.Context(), "servers", id); err != nil {
		logging.Error(c.Request.Context(), "remove server from set failed", zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

// getServerMeetings proxies the conference API's live meeting list for one
// configured server, so an operator can see what's actually running on the
// BBB instance without shelling into it.
func (a *API) getServerMeetings(c *gin.Context) {
	id := c.Param("id")
	raw, found, err := a.b.GetRecord(c.Request.Context(), "server", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load server", Error: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Message: "server not found"})
		return
	}
	var srv model.Server
	if err := json.Unmarshal([]byte(raw), &srv); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to decode server record", Error: err.Error()})
		return
	}

	meetings, err := a.conf.GetMeetings(c.Request.Context(), conference.Server{BBBURL: srv.BBBURL, BBBSecret: srv.BBBSecret})
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResponse{Message: "failed to query conference server", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok", "data": meetings})
}

func (a *API) writeServer(c *gin.Context, srv model.Server) error {
	encoded, err := json.Marshal(srv)
	if err != nil {
		return err
	}
	if err := a.b.PutRecord(c.Request.Context(), "server", srv.ID, string(encoded), a.keepRedisCache); err != nil {
		return err
	}
	return a.b.SetAdd(c.Request.Context(), "servers", srv.ID)
}

// --- meetings ---

func (a *API) listMeetings(c *gin.Context) {
	ids, err := a.b.SetMembers(c.Request.Context(), "meetings")
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to list meetings", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, listResponse{Message: "ok", Data: ids})
}

func (a *API) createMeeting(c *gin.Context) {
	var m model.Meeting
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid meeting record", Error: err.Error()})
		return
	}
	if err := a.v.Struct(m); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "schema validation failed", Error: err.Error()})
		return
	}
	if err := a.writeMeeting(c, m); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to store meeting", Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "created", "id": m.ID})
}

func (a *API) getMeeting(c *gin.Context) {
	id := c.Param("id")
	raw, found, err := a.b.GetRecord(c.Request.Context(), "meeting", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load meeting", Error: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Message: "meeting not found"})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(raw))
}

func (a *API) putMeeting(c *gin.Context) {
	id := c.Param("id")
	var m model.Meeting
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid meeting record", Error: err.Error()})
		return
	}
	m.ID = id
	if err := a.v.Struct(m); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "schema validation failed", Error: err.Error()})
		return
	}
	_, existed, err := a.b.GetRecord(c.Request.Context(), "meeting", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to check meeting", Error: err.Error()})
		return
	}
	if err := a.writeMeeting(c, m); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to store meeting", Error: err.Error()})
		return
	}
	if existed {
		c.JSON(http.StatusOK, gin.H{"message": "updated", "id": id})
	} else {
		c.JSON(http.StatusCreated, gin.H{"message": "created", "id": id})
	}
}

func (a *API) deleteMeeting(c *gin.Context) {
	id := c.Param("id")
	_, found, err := a.b.GetRecord(c.Request.Context(), "meeting", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load meeting", Error: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Message: "meeting not found"})
		return
	}
	if err := a.b.DeleteRecord(c.Request.Context(), "meeting", id); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to delete meeting", Error: err.Error()})
		return
	}
	if err := a.b.HashDelete(c.Request.Context(), model.StatusKey("meeting", id)); err != nil {
		logging.Error(c.Request.Context(), "delete meeting status failed", zap.Error(err))
	}
	if err := a.b.SetRemove(c.Request.Context(), "meetings", id); err != nil {
		logging.Error(c.Request.Context(), "remove meeting from set failed", zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (a *API) writeMeeting(c *gin.Context, m model.Meeting) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := a.b.PutRecord(c.Request.Context(), "meeting", m.ID, string(encoded), a.keepRedisCache); err != nil {
		return err
	}
	return a.b.SetAdd(c.Request.Context(), "meetings", m.ID)
}

// --- status ledger ---

func (a *API) getMeetingStatus(c *gin.Context) {
	id := c.Param("id")
	hash, err := a.b.HashGetAll(c.Request.Context(), model.StatusKey("meeting", id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load status", Error: err.Error()})
		return
	}
	if len(hash) == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Message: "no status recorded"})
		return
	}
	c.JSON(http.StatusOK, hash)
}

func (a *API) deleteMeetingStatus(c *gin.Context) {
	id := c.Param("id")
	if err := a.b.HashDelete(c.Request.Context(), model.StatusKey("meeting", id)); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to delete status", Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getMeetingStatusField(c *gin.Context) {
	id, field := c.Param("id"), c.Param("field")
	encoded, found, err := a.b.HashGet(c.Request.Context(), model.StatusKey("meeting", id), field)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load status field", Error: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Message: "status field not recorded"})
		return
	}
	hist, err := ledger.DecodeHistory(encoded)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to decode status field", Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, hist)
}

type statusFieldRequest struct {
	StatusCode    string `json:"status_code" binding:"required"`
	StatusMessage string `json:"status_message" binding:"required"`
}

func (a *API) putMeetingStatusField(c *gin.Context) {
	id, field := c.Param("id"), c.Param("field")
	var body statusFieldRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "status_code and status_message are required", Error: err.Error()})
		return
	}

	key := model.StatusKey("meeting", id)
	encoded, _, err := a.b.HashGet(c.Request.Context(), key, field)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to load status field", Error: err.Error()})
		return
	}
	hist, err := ledger.DecodeHistory(encoded)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to decode status field", Error: err.Error()})
		return
	}

	newHist, _ := ledger.Append(hist, time.Now().Unix(), body.StatusCode, body.StatusMessage)
	newEncoded, err := ledger.EncodeHistory(newHist)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to encode status field", Error: err.Error()})
		return
	}
	if err := a.b.HashPut(c.Request.Context(), key, field, newEncoded); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to store status field", Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "recorded"})
}

func (a *API) deleteMeetingStatusField(c *gin.Context) {
	id, field := c.Param("id"), c.Param("field")
	key := model.StatusKey("meeting", id)
	if err := a.b.HashFieldDelete(c.Request.Context(), key, field); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to clear status field", Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- commands ---

type commandRequest struct {
	Command string                     `json:"command" binding:"required"`
	Server  string                     `json:"server" binding:"required"`
	Data    map[string]json.RawMessage `json:"data" binding:"required"`
}

func (a *API) postCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid command envelope", Error: err.Error()})
		return
	}
	if len(req.Data) != 1 {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "command data must have exactly one key"})
		return
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to encode command", Error: err.Error()})
		return
	}
	if _, err := a.b.StreamAppend(c.Request.Context(), "commandStream", req.Command, string(encoded)); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to enqueue command", Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "enqueued"})
}
