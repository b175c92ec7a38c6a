package api

import (
	"github.com/microcosm-cc/bluemonday"

	"github.com/vdavid/mailmirror/internal/models"
)

// htmlPolicy strips scripts, event handlers and other active content from
// mirrored bodies before they are served. The stored copy stays as received.
var htmlPolicy = bluemonday.UGCPolicy()

func sanitizeMessageHTML(msg *models.Message) {
	if msg.BodyHTML == nil {
		return
	}
	clean := htmlPolicy.Sanitize(*msg.BodyHTML)
	msg.BodyHTML = &clean
}
