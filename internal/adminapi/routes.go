package adminapi

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chorus/internal/group"
	"github.com/zulandar/chorus/internal/models"
	"github.com/zulandar/chorus/internal/persona"
)

// registerRoutes sets up all admin API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", requireToken(opts.JWTSecret))
	api.GET("/personas", handlePersonas(opts.Personas))
	api.GET("/conversations/:id/sessions", handleSessions(opts.Sessions))
	api.POST("/conversations/:id/archive", handleArchive(opts.Sessions))
	api.GET("/groups/:id", handleGroup(opts.Groups))
	api.PUT("/groups/:id/mode", handleGroupMode(opts.Groups))
	api.PUT("/groups/:id/ambient", handleGroupAmbient(opts.Groups))
}

type personaView struct {
	ID          uint    `json:"id"`
	Name        string  `json:"name"`
	Scope       string  `json:"scope"`
	Instruction string  `json:"instruction"`
	ModelName   *string `json:"model_name,omitempty"`
}

type sessionView struct {
	ID                string     `json:"id"`
	ParticipantID     string     `json:"participant_id"`
	PersonaID         uint       `json:"persona_id"`
	ModelName         string     `json:"model_name"`
	Active            bool       `json:"active"`
	Turns             int        `json:"turns"`
	LastInteractionAt time.Time  `json:"last_interaction_at"`
	ArchivedAt        *time.Time `json:"archived_at,omitempty"`
}

type groupView struct {
	ConversationID  string `json:"conversation_id"`
	Mode            string `json:"mode"`
	SharedPersonaID *uint  `json:"shared_persona_id,omitempty"`
	AmbientReply    bool   `json:"ambient_reply"`
}

func toGroupView(gs *models.GroupSetting) groupView {
	return groupView{
		ConversationID:  gs.ConversationID,
		Mode:            gs.Mode,
		SharedPersonaID: gs.SharedPersonaID,
		AmbientReply:    gs.AmbientReply,
	}
}

func internalError(c *gin.Context, op string, err error) {
	log.Printf("adminapi: %s: %v", op, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func handlePersonas(personas PersonaLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes := []string{models.ScopePrivate, models.ScopeGroupRole}
		if scope := c.Query("scope"); scope != "" {
			if !persona.ValidScope(scope) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope " + scope})
				return
			}
			scopes = []string{scope}
		}

		views := []personaView{}
		for _, scope := range scopes {
			rows, err := personas.ListBuiltins(c.Request.Context(), scope)
			if err != nil {
				internalError(c, "list personas", err)
				return
			}
			for _, p := range rows {
				views = append(views, personaView{
					ID:          p.ID,
					Name:        p.Name,
					Scope:       p.Scope,
					Instruction: p.Instruction,
					ModelName:   p.ModelName,
				})
			}
		}
		c.JSON(http.StatusOK, gin.H{"personas": views})
	}
}

func handleSessions(sessions SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly := c.Query("active") == "true"
		rows, err := sessions.ListForConversation(c.Request.Context(), c.Param("id"), activeOnly)
		if err != nil {
			internalError(c, "list sessions", err)
			return
		}
		views := make([]sessionView, 0, len(rows))
		for _, s := range rows {
			views = append(views, sessionView{
				ID:                s.ID,
				ParticipantID:     s.ParticipantID,
				PersonaID:         s.PersonaID,
				ModelName:         s.ModelName,
				Active:            s.Active,
				Turns:             len(s.History) / 2,
				LastInteractionAt: s.LastInteractionAt,
				ArchivedAt:        s.ArchivedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	}
}

func handleArchive(sessions SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := sessions.ArchiveConversation(c.Request.Context(), c.Param("id"))
		if err != nil {
			internalError(c, "archive", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"archived": n})
	}
}

func handleGroup(groups GroupAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		gs, err := groups.Setting(c.Request.Context(), c.Param("id"))
		if err != nil {
			internalError(c, "get group", err)
			return
		}
		c.JSON(http.StatusOK, toGroupView(gs))
	}
}

func handleGroupMode(groups GroupAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Mode string `json:"mode" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"mode\": \"individual|shared\"}"})
			return
		}
		ctx := c.Request.Context()
		id := c.Param("id")
		if err := groups.SwitchMode(ctx, id, body.Mode); err != nil {
			if errors.Is(err, group.ErrInvalidMode) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			internalError(c, "switch mode", err)
			return
		}
		gs, err := groups.Setting(ctx, id)
		if err != nil {
			internalError(c, "get group", err)
			return
		}
		c.JSON(http.StatusOK, toGroupView(gs))
	}
}

func handleGroupAmbient(groups GroupAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": true|false}"})
			return
		}
		ctx := c.Request.Context()
		id := c.Param("id")
		if err := groups.SetAmbient(ctx, id, *body.Enabled); err != nil {
			internalError(c, "set ambient", err)
			return
		}
		gs, err := groups.Setting(ctx, id)
		if err != nil {
			internalError(c, "get group", err)
			return
		}
		c.JSON(http.StatusOK, toGroupView(gs))
	}
}
