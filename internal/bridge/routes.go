package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/embedbridge/internal/auth"
	"github.com/danmuck/embedbridge/internal/backend"
	"github.com/danmuck/embedbridge/internal/mirror"
	"github.com/danmuck/embedbridge/internal/observability"
	"github.com/danmuck/embedbridge/internal/remote"
	"github.com/danmuck/embedbridge/internal/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	version = "0.1.0"

	// adminCallTimeout bounds routes that wait for an embed reply.
	adminCallTimeout = 30 * time.Second
)

// Router builds the admin API. A non-empty adminToken is required as a bearer
// token on every mutating route.
func (b *Bridge) Router(corsOrigins []string, adminToken string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, b.id))
	r.Use(observability.RequestMetricsMiddleware(b.id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	b.registerRoutes(r, adminToken)
	return r
}

func (b *Bridge) registerRoutes(r *gin.Engine, adminToken string) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(b.started).String(),
			"bridge":  b.id,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !b.Loaded() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   b.Loaded(),
			"bridge":  b.id,
			"version": version,
		})
	})

	r.GET("/scene", func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Status())
	})

	r.GET("/scene/objects/:guid", func(c *gin.Context) {
		obj, ok := b.lookup(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"object":     obj.Snapshot(),
			"properties": mirror.Flatten(obj.Properties()),
		})
	})

	r.GET("/scene/export", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), adminCallTimeout)
		defer cancel()
		data, err := awaitData(ctx, func(fn func(json.RawMessage, error)) error {
			return b.FetchScene(ctx, fn)
		})
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})

	r.GET("/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": b.Jobs()})
	})

	r.GET("/jobs/:id", func(c *gin.Context) {
		job, ok := b.Job(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownJob.Error()})
			return
		}
		c.JSON(http.StatusOK, job)
	})

	mut := r.Group("/")
	if strings.TrimSpace(adminToken) != "" {
		mut.Use(auth.Middleware(auth.StaticToken{Token: adminToken}))
	}

	mut.PUT("/scene/objects/:guid/parameters", func(c *gin.Context) {
		var body struct {
			Property  string `json:"property"`
			Parameter string `json:"parameter" binding:"required"`
			Value     any    `json:"value"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := b.SetParameter(c.Request.Context(), c.Param("guid"), body.Property, body.Parameter, body.Value)
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	mut.POST("/scene/objects/:guid/duplicate", func(c *gin.Context) {
		if err := b.DuplicateObject(c.Request.Context(), c.Param("guid"), nil); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	})

	mut.POST("/scene/objects/:guid/bindings/:path", func(c *gin.Context) {
		guid, path := c.Param("guid"), c.Param("path")
		id, err := b.BindProperty(c.Request.Context(), guid, path, func(data json.RawMessage) {
			log.Debug().Str("bridge", b.id).Str("guid", guid).Str("path", path).RawJSON("data", data).Msg("bridge.binding event")
		})
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"path": path, "listener": id})
	})

	// DELETE drops the whole binding, or one listener with ?listener=<id>.
	mut.DELETE("/scene/objects/:guid/bindings/:path", func(c *gin.Context) {
		guid, path := c.Param("guid"), c.Param("path")
		if raw := c.Query("listener"); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "listener must be an integer"})
				return
			}
			removed, err := b.UnbindPropertyListener(guid, path, rpc.ListenerID(n))
			if err != nil {
				c.JSON(errorStatus(err), gin.H{"error": err.Error()})
				return
			}
			if !removed {
				c.JSON(http.StatusNotFound, gin.H{"error": "listener not bound"})
				return
			}
			c.Status(http.StatusNoContent)
			return
		}
		if err := b.UnbindProperty(c.Request.Context(), guid, path); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	mut.PUT("/scene/objects/:guid/material", func(c *gin.Context) {
		var body struct {
			Material string `json:"material" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := b.ApplyMaterialToObjectByGuid(c.Request.Context(), body.Material, c.Param("guid")); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"material": body.Material})
	})

	mut.POST("/materials/assign", func(c *gin.Context) {
		var body struct {
			Material string `json:"material" binding:"required"`
			Mesh     string `json:"mesh" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := b.ApplyMaterialToMeshByName(c.Request.Context(), body.Material, body.Mesh); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"material": body.Material, "mesh": body.Mesh})
	})

	mut.POST("/materials", b.createHandler("material", b.AddNewMaterial))
	mut.POST("/lights", b.createHandler("light", b.AddNewLight))

	mut.POST("/assets", func(c *gin.Context) {
		var assets []remote.Asset
		if err := c.ShouldBindJSON(&assets); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), adminCallTimeout)
		defer cancel()
		data, err := awaitData(ctx, func(fn func(json.RawMessage, error)) error {
			return b.LoadAssets(ctx, assets, fn)
		})
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})

	mut.PUT("/camera/resolution", func(c *gin.Context) {
		var res Resolution
		if err := c.ShouldBindJSON(&res); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := b.SetCameraResolution(c.Request.Context(), res); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	mut.POST("/toolbar", func(c *gin.Context) {
		var body struct {
			Show *bool `json:"show" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := b.ShowToolbar(c.Request.Context(), *body.Show); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"show": *body.Show})
	})

	mut.POST("/deselect", func(c *gin.Context) {
		if err := b.DeselectAll(c.Request.Context()); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	mut.POST("/jobs/save-render", func(c *gin.Context) {
		b.startJob(c, backend.CommandSaveRender, nil)
	})

	mut.POST("/jobs/save-scene", func(c *gin.Context) {
		var body struct {
			Tags []string `json:"tags"`
		}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		b.startJob(c, backend.CommandSaveScene, body.Tags)
	})

	mut.POST("/jobs/background-render", func(c *gin.Context) {
		var params backend.RenderParams
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&params); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		b.startJob(c, backend.CommandStartBackgroundRender, &params)
	})

	mut.POST("/render/start", func(c *gin.Context) {
		if err := b.StartRender(c.Request.Context()); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rendering": true})
	})

	mut.POST("/render/stop", func(c *gin.Context) {
		if err := b.StopRender(c.Request.Context()); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rendering": false})
	})

	mut.POST("/tools/:tool", func(c *gin.Context) {
		tool := remote.Tool(c.Param("tool"))
		if err := b.SetActiveTool(c.Request.Context(), tool); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tool": string(tool)})
	})
}

// createHandler answers 202 once the create command is sent; the new object is
// mirrored when its objectAdded broadcast arrives.
func (b *Bridge) createHandler(kind string, create func(context.Context, string, func(*mirror.Object)) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Type string `json:"type" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := create(c.Request.Context(), body.Type, func(o *mirror.Object) {
			log.Info().Str("bridge", b.id).Str("kind", kind).Str("guid", o.GUID()).Msg("bridge.createHandler added")
		})
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "type": body.Type})
	}
}

func (b *Bridge) startJob(c *gin.Context, command string, params any) {
	id, err := b.StartJob(c.Request.Context(), command, params)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Header("Location", "/jobs/"+id)
	c.JSON(http.StatusAccepted, gin.H{"job": id, "command": command})
}

func (b *Bridge) lookup(c *gin.Context) (*mirror.Object, bool) {
	scene := b.Scene()
	if scene == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrSceneNotLoaded.Error()})
		return nil, false
	}
	obj, ok := scene.GetObjectByGuid(c.Param("guid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": mirror.ErrUnknownObject.Error()})
		return nil, false
	}
	if obj.State() != mirror.StateReady {
		c.JSON(http.StatusConflict, gin.H{"error": mirror.ErrNotReady.Error(), "state": obj.State().String()})
		return nil, false
	}
	return obj, true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSceneNotLoaded), errors.Is(err, ErrBackendDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, mirror.ErrUnknownObject), errors.Is(err, mirror.ErrUnknownPath), errors.Is(err, ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, mirror.ErrDuplicateRefused), errors.Is(err, mirror.ErrNotReady),
		errors.Is(err, mirror.ErrNoMaterialSlot), errors.Is(err, ErrNoCamera):
		return http.StatusConflict
	case errors.Is(err, remote.ErrUnknownTool), errors.Is(err, remote.ErrInvalidGUID),
		errors.Is(err, ErrUnknownJobCommand):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
