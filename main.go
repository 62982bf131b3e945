package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quarrylabs/leadmail/internal/auth"
	"github.com/quarrylabs/leadmail/internal/config"
	"github.com/quarrylabs/leadmail/internal/gmail"
	"github.com/quarrylabs/leadmail/internal/ingest"
	natsjs "github.com/quarrylabs/leadmail/internal/nats"
	"github.com/quarrylabs/leadmail/internal/store"
	"github.com/quarrylabs/leadmail/internal/token"
)

type callbackRequest struct {
	Code string `json:"code" binding:"required"`
}

type fetchRequest struct {
	AccountID int64  `json:"account_id" binding:"required"`
	MaxEmails int64  `json:"max_emails"`
	SinceDate string `json:"since_date"` // RFC 3339 or YYYY-MM-DD
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	provider := gmail.NewService(gmail.OAuthSettings{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
	})
	refresher := token.NewRefresher(st, provider.OAuth(), log)
	runner := ingest.NewRunner(st, provider, refresher, log)
	manager := ingest.NewManager(runner, cfg.Sync.RunTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure event stream", zap.Error(err))
		}
		go ingest.NewDispatcher(st, publisher, log).Run(ctx)
	} else {
		log.Warn("nats_url not set, stored-email events stay queued in the outbox")
	}

	r := gin.Default()
	api := r.Group("/api", auth.Middleware([]byte(cfg.JWTSecret)))

	api.GET("/gmail/authorize", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"authorization_url": provider.AuthURL(auth.UserID(c))})
	})

	api.POST("/gmail/callback", func(c *gin.Context) {
		var req callbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		bundle, err := provider.ExchangeCode(c.Request.Context(), req.Code)
		if err != nil {
			log.Error("code exchange failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to exchange authorization code"})
			return
		}

		email, err := provider.ProfileEmail(c.Request.Context(), bundle.AccessToken)
		if err != nil {
			log.Error("profile lookup failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to look up mailbox address"})
			return
		}

		account, err := st.UpsertAccount(c.Request.Context(), auth.UserID(c), email, store.Credential{
			AccessToken:  bundle.AccessToken,
			RefreshToken: bundle.RefreshToken,
			Expiry:       bundle.Expiry,
		})
		if err != nil {
			log.Error("failed to store account", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store account"})
			return
		}

		c.JSON(http.StatusCreated, account)
	})

	api.GET("/gmail/accounts", func(c *gin.Context) {
		accounts, err := st.ListAccounts(c.Request.Context(), auth.UserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, accounts)
	})

	api.DELETE("/gmail/accounts/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
			return
		}

		if err := st.Disconnect(c.Request.Context(), id, auth.UserID(c)); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "account disconnected"})
	})

	api.POST("/gmail/emails/fetch", func(c *gin.Context) {
		var req fetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		account, err := st.GetAccount(c.Request.Context(), req.AccountID)
		if err != nil || account.UserID != auth.UserID(c) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		since, err := parseSince(req.SinceDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_date"})
			return
		}

		maxResults := req.MaxEmails
		if maxResults <= 0 {
			maxResults = cfg.Sync.MaxResults
		}

		runID, err := manager.Trigger(c.Request.Context(), req.AccountID, maxResults, cfg.Sync.Query, since)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ingest.ErrRunInFlight) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
	})

	// Annotation surface used by classifier/extractor producers.
	api.GET("/emails", func(c *gin.Context) {
		limit := 50
		if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && v > 0 {
			limit = v
		}
		emails, err := st.ListEmailsByStatus(c.Request.Context(), c.DefaultQuery("status", store.EmailUnprocessed), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, emails)
	})

	api.GET("/emails/:id", emailHandler(st, func(c *gin.Context, emailID int64) (any, error) {
		return st.GetEmail(c.Request.Context(), emailID)
	}))

	api.GET("/emails/:id/classification", emailHandler(st, func(c *gin.Context, emailID int64) (any, error) {
		return st.GetClassification(c.Request.Context(), emailID)
	}))

	api.PUT("/emails/:id/classification", func(c *gin.Context) {
		emailID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
			return
		}

		var cl store.Classification
		if err := c.ShouldBindJSON(&cl); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cl.Confidence < 0 || cl.Confidence > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "confidence must be within [0,1]"})
			return
		}

		if err := st.UpsertClassification(c.Request.Context(), emailID, &cl); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cl)
	})

	api.GET("/emails/:id/extraction", emailHandler(st, func(c *gin.Context, emailID int64) (any, error) {
		return st.GetExtraction(c.Request.Context(), emailID)
	}))

	api.PUT("/emails/:id/extraction", func(c *gin.Context) {
		emailID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
			return
		}

		var ex store.Extraction
		if err := c.ShouldBindJSON(&ex); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := st.UpsertExtraction(c.Request.Context(), emailID, &ex); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ex)
	})

	api.POST("/emails/:id/review", func(c *gin.Context) {
		emailID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
			return
		}
		if err := st.MarkReviewed(c.Request.Context(), emailID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "email marked reviewed"})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}

// emailHandler wraps the common id-parse / not-found plumbing for reads.
func emailHandler(st *store.Store, load func(c *gin.Context, emailID int64) (any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		emailID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
			return
		}

		result, err := load(c, emailID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
