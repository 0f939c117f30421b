package handlers

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"torrent-vault/apperrors"
	"torrent-vault/config"
	"torrent-vault/database"
	"torrent-vault/middleware"
	"torrent-vault/services"

	"github.com/gin-gonic/gin"
)

type APIHandler struct {
	torrentService *services.TorrentService
	maxSource      int64
}

func NewAPIHandler(torrentService *services.TorrentService, cfg *config.Config) *APIHandler {
	return &APIHandler{
		torrentService: torrentService,
		maxSource:      cfg.Limits.MaxTorrentBytes,
	}
}

// Register mounts the torrent API on api.
func (h *APIHandler) Register(api *gin.RouterGroup) {
	api.POST("/torrents", h.AddTorrent)
	api.GET("/torrents", h.ListTorrents)
	api.GET("/torrents/:hash", h.GetTorrent)
	api.DELETE("/torrents/:hash", h.RemoveTorrent)
	api.POST("/torrents/:hash/pause", h.PauseTorrent)
	api.POST("/torrents/:hash/resume", h.ResumeTorrent)
	api.POST("/torrents/:hash/stop", h.StopTorrent)
	api.POST("/torrents/:hash/seed", h.SeedTorrent)
	api.GET("/torrents/:hash/files", h.ListFiles)
	api.GET("/torrents/:hash/trackers", h.ListTrackers)
	api.POST("/compose", h.Compose)
	api.GET("/stats", h.GetStats)
}

type AddTorrentRequest struct {
	MagnetURI    string `json:"magnet_uri" binding:"required"`
	DownloadPath string `json:"download_path"`
	FolderPath   string `json:"folder_path"`
}

// AddTorrent takes either a JSON magnet URI or a multipart "torrent" file.
func (h *APIHandler) AddTorrent(c *gin.Context) {
	var req services.AddRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("torrent")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing torrent file"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()
		// One byte over the limit is enough for the service to reject it.
		data, err := io.ReadAll(io.LimitReader(f, h.maxSource+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req = services.AddRequest{
			Source:       data,
			DownloadPath: c.PostForm("download_path"),
			FolderPath:   c.PostForm("folder_path"),
		}
	} else {
		var body AddTorrentRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req = services.AddRequest{
			Source:       []byte(body.MagnetURI),
			DownloadPath: body.DownloadPath,
			FolderPath:   body.FolderPath,
		}
	}

	st, err := h.torrentService.Add(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *APIHandler) ListTorrents(c *gin.Context) {
	c.JSON(http.StatusOK, h.torrentService.GetAll(middleware.UserID(c)))
}

func (h *APIHandler) GetTorrent(c *gin.Context) {
	st, err := h.torrentService.Get(middleware.UserID(c), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *APIHandler) RemoveTorrent(c *gin.Context) {
	deleteFiles, _ := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err := h.torrentService.Remove(middleware.UserID(c), c.Param("hash"), deleteFiles); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Torrent removed successfully"})
}

func (h *APIHandler) PauseTorrent(c *gin.Context) {
	h.transition(c, h.torrentService.Pause)
}

func (h *APIHandler) StopTorrent(c *gin.Context) {
	h.transition(c, h.torrentService.Stop)
}

func (h *APIHandler) SeedTorrent(c *gin.Context) {
	h.transition(c, h.torrentService.StartSeeding)
}

func (h *APIHandler) ResumeTorrent(c *gin.Context) {
	ctx := c.Request.Context()
	h.transition(c, func(user, hash string) error { return h.torrentService.Resume(ctx, user, hash) })
}

// transition runs a lifecycle operation and answers with the new state.
func (h *APIHandler) transition(c *gin.Context, fn func(userID, hash string) error) {
	user, hash := middleware.UserID(c), c.Param("hash")
	if err := fn(user, hash); err != nil {
		writeError(c, err)
		return
	}
	st, err := h.torrentService.Get(user, hash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *APIHandler) ListFiles(c *gin.Context) {
	files, err := h.torrentService.Files(middleware.UserID(c), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

func (h *APIHandler) ListTrackers(c *gin.Context) {
	trackers, err := h.torrentService.Trackers(c.Request.Context(), middleware.UserID(c), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trackers)
}

type ComposeRequest struct {
	Path     string   `json:"path" binding:"required"`
	Announce bool     `json:"announce"`
	Trackers []string `json:"trackers"`
	Comment  string   `json:"comment"`
}

// Compose builds a torrent from a server-side file or folder.
func (h *APIHandler) Compose(c *gin.Context) {
	var body ComposeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := services.ComposeRequest{
		Path:     body.Path,
		Announce: body.Announce,
		Trackers: body.Trackers,
		Comment:  body.Comment,
	}
	compose := h.torrentService.ComposeFromFile
	if fi, err := os.Stat(body.Path); err == nil && fi.IsDir() {
		compose = h.torrentService.ComposeFromFolder
	}
	st, err := compose(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *APIHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"torrents": h.torrentService.Stats(),
		"database": database.GetStats(),
	})
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.Validation:
		return http.StatusBadRequest
	case apperrors.LimitExceeded:
		return http.StatusTooManyRequests
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Transport:
		return http.StatusBadGateway
	case apperrors.Timeout:
		return http.StatusGatewayTimeout
	case apperrors.Integrity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	c.JSON(statusFor(kind), gin.H{"error": err.Error(), "kind": kind.String()})
}
