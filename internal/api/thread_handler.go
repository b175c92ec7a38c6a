package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
)

type ThreadHandler struct {
	pool *pgxpool.Pool
}

func NewThreadHandler(pool *pgxpool.Pool) *ThreadHandler {
	return &ThreadHandler{pool: pool}
}

// GetThread returns one thread with its messages, their label names and attachments.
// HTML bodies are sanitized on the way out.
// Path: GET /api/v1/threads/{id}
func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	threadID, ok := pathID(w, r, "Thread not found")
	if !ok {
		return
	}

	thread, err := db.GetThreadForUser(ctx, h.pool, userID, threadID)
	if err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		log.Printf("ThreadHandler: Failed to get thread: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	messages, err := db.GetMessagesForThread(ctx, h.pool, thread.ID)
	if err != nil {
		log.Printf("ThreadHandler: Failed to get messages: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	messageIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		messageIDs = append(messageIDs, msg.ID)
	}

	// Labels and attachments are fetched in one query each rather than per message.
	labelsMap, err := db.GetLabelNamesForMessages(ctx, h.pool, messageIDs)
	if err != nil {
		log.Printf("ThreadHandler: Failed to get labels: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	attachmentsMap, err := db.GetAttachmentsForMessages(ctx, h.pool, messageIDs)
	if err != nil {
		log.Printf("ThreadHandler: Failed to get attachments: %v", err)
		// Continue anyway - attachments will be empty
		attachmentsMap = make(map[string][]models.Attachment)
	}

	threadMessages := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		msg.Labels = labelsMap[msg.ID]
		if msg.Labels == nil {
			msg.Labels = []string{}
		}
		msg.Attachments = attachmentsMap[msg.ID]
		if msg.Attachments == nil {
			msg.Attachments = []models.Attachment{}
		}
		sanitizeMessageHTML(msg)
		threadMessages = append(threadMessages, *msg)
	}
	thread.Messages = threadMessages

	WriteJSONResponse(w, thread)
}
