// Package http exposes the diagnostic and control surface of broadcastd.
package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/appruntime/broadcastd/internal/domain/broadcast"
	"github.com/appruntime/broadcastd/internal/domain/restriction"
	"github.com/appruntime/broadcastd/internal/shared/types"
)

// Handlers bundles the HTTP endpoints over the dispatcher and the
// restriction engine.
type Handlers struct {
	dispatcher *broadcast.Dispatcher
	engine     *restriction.Engine
	authority  *restriction.MemoryAuthority
	startTime  time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(dispatcher *broadcast.Dispatcher, engine *restriction.Engine, authority *restriction.MemoryAuthority) *Handlers {
	return &Handlers{
		dispatcher: dispatcher,
		engine:     engine,
		authority:  authority,
		startTime:  time.Now(),
	}
}

// Root describes the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "broadcastd",
		"status":  "running",
	})
}

// Health reports liveness plus the dispatcher health check. A wedged
// ordered-broadcast chain surfaces here as a 503 with the diagnostic.
func (h *Handlers) Health(c *gin.Context) {
	if err := h.dispatcher.CheckHealth(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ListQueues dumps every process queue.
func (h *Handlers) ListQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": h.dispatcher.Snapshot()})
}

// GetUIDQueues dumps the queues of one uid.
func (h *Handlers) GetUIDQueues(c *gin.Context) {
	uid, ok := parseUID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": h.dispatcher.SnapshotUID(uid)})
}

// ListRestrictions dumps every restriction settings entry.
func (h *Handlers) ListRestrictions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"restrictions": h.engine.Snapshot()})
}

// GetUIDRestrictions dumps one uid's entries plus its effective level.
func (h *Handlers) GetUIDRestrictions(c *gin.Context) {
	uid, ok := parseUID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uid":             uid,
		"effective_level": h.engine.GetLevel(uid).String(),
		"active":          h.engine.IsUIDActive(uid),
		"restrictions":    h.engine.SnapshotUID(uid),
	})
}

type receiverSpec struct {
	ID       string `json:"id" binding:"required"`
	Process  string `json:"process" binding:"required"`
	UID      int32  `json:"uid" binding:"required"`
	Manifest bool   `json:"manifest"`
}

type enqueueRequest struct {
	Action     string         `json:"action" binding:"required"`
	CallingUID int32          `json:"calling_uid"`
	UserID     int32          `json:"user_id"`
	Flags      []string       `json:"flags"`
	Replace    bool           `json:"replace"`
	Receivers  []receiverSpec `json:"receivers" binding:"required,dive"`
}

var flagNames = map[string]broadcast.Flags{
	"urgent":       broadcast.FlagUrgent,
	"offload":      broadcast.FlagOffload,
	"foreground":   broadcast.FlagForeground,
	"ordered":      broadcast.FlagOrdered,
	"alarm":        broadcast.FlagAlarm,
	"prioritized":  broadcast.FlagPrioritized,
	"interactive":  broadcast.FlagInteractive,
	"instrumented": broadcast.FlagInstrumented,
	"result-to":    broadcast.FlagResultTo,
}

func parseFlags(names []string) (broadcast.Flags, error) {
	var flags broadcast.Flags
	for _, name := range names {
		f, ok := flagNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// EnqueueBroadcast accepts a broadcast and fans it out to its receivers'
// process queues.
func (h *Handlers) EnqueueBroadcast(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	flags, err := parseFlags(req.Flags)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receivers := make([]broadcast.Receiver, len(req.Receivers))
	for i, r := range req.Receivers {
		receivers[i] = broadcast.Receiver{
			ID:          r.ID,
			ProcessName: r.Process,
			UID:         r.UID,
			Manifest:    r.Manifest,
		}
	}
	record := broadcast.NewRecord(req.Action, req.CallingUID, req.UserID, flags, time.Now(), receivers)
	h.dispatcher.Enqueue(record, req.Replace, func(old *broadcast.Item) {
		old.Record.SetDeliveryState(old.Index, broadcast.DeliverySkipped)
	})
	c.JSON(http.StatusAccepted, gin.H{"record": record.ID.String()})
}

type processFlagsRequest struct {
	Process      string `json:"process" binding:"required"`
	UID          int32  `json:"uid" binding:"required"`
	Cached       *bool  `json:"cached"`
	Instrumented *bool  `json:"instrumented"`
	Persistent   *bool  `json:"persistent"`
}

// SetProcessFlags updates a process's scheduling flags.
func (h *Handlers) SetProcessFlags(c *gin.Context) {
	var req processFlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := types.ProcessKey{Name: req.Process, UID: req.UID}
	if req.Cached != nil {
		h.dispatcher.SetProcessCached(key, *req.Cached)
	}
	if req.Instrumented != nil {
		h.dispatcher.SetProcessInstrumented(key, *req.Instrumented)
	}
	if req.Persistent != nil {
		h.dispatcher.SetProcessPersistent(key, *req.Persistent)
	}
	c.JSON(http.StatusOK, gin.H{"process": key.String()})
}

type uidStateRequest struct {
	State string `json:"state" binding:"required"`
}

// SetUIDState routes a uid lifecycle event into both subsystems.
func (h *Handlers) SetUIDState(c *gin.Context) {
	uid, ok := parseUID(c)
	if !ok {
		return
	}
	var req uidStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var state types.UIDState
	switch req.State {
	case "active":
		state = types.UIDStateActive
	case "idle":
		state = types.UIDStateIdle
	case "gone":
		state = types.UIDStateGone
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown state %q", req.State)})
		return
	}
	h.engine.OnUIDStateChanged(uid, state)
	if state == types.UIDStateGone {
		h.dispatcher.RemoveUID(uid)
	}
	c.JSON(http.StatusAccepted, gin.H{"uid": uid, "state": req.State})
}

type bucketRequest struct {
	Package string `json:"package" binding:"required"`
	UID     int32  `json:"uid" binding:"required"`
	Bucket  string `json:"bucket" binding:"required"`
}

var bucketNames = map[string]types.Bucket{
	"exempted":    types.BucketExempted,
	"active":      types.BucketActive,
	"working-set": types.BucketWorkingSet,
	"frequent":    types.BucketFrequent,
	"rare":        types.BucketRare,
	"restricted":  types.BucketRestricted,
	"never":       types.BucketNever,
}

// SetBucket records a standby-bucket change in the authority and routes the
// event to the restriction engine.
func (h *Handlers) SetBucket(c *gin.Context) {
	var req bucketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bucket, ok := bucketNames[req.Bucket]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown bucket %q", req.Bucket)})
		return
	}
	h.authority.SetBucket(req.Package, req.UID, bucket, "external")
	h.engine.OnBucketChanged(req.Package, req.UID, bucket)
	c.JSON(http.StatusAccepted, gin.H{"package": req.Package, "uid": req.UID, "bucket": req.Bucket})
}

func parseUID(c *gin.Context) (int32, bool) {
	uid, err := strconv.ParseInt(c.Param("uid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uid"})
		return 0, false
	}
	return int32(uid), true
}
