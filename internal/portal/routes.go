package portal

import (
	"net/http"

	"github.com/agentworkforce/recordsync/internal/remote"
	rs "github.com/agentworkforce/recordsync/internal/recordsync"
)

// Routes mirrors the job-portal backend.
func Routes() remote.RouteTable {
	return remote.RouteTable{
		List: map[rs.Kind]remote.Route{
			Notifications: {Method: http.MethodGet, Path: "/job/api/notifications/{owner}/"},
			Interviews:    {Method: http.MethodGet, Path: "/job/api/interviews/"},
			Applications:  {Method: http.MethodGet, Path: "/job/api/applications/"},
			Jobs:          {Method: http.MethodGet, Path: "/api/jobs/"},
		},
		Command: map[rs.Kind]map[rs.CommandKind]remote.Route{
			Notifications: {
				MarkRead: {Method: http.MethodPost, Path: "/job/api/notifications/{id}/mark_read/"},
				Delete:   {Method: http.MethodDelete, Path: "/job/api/notifications/{id}/"},
			},
			Interviews: {
				Delete: {Method: http.MethodDelete, Path: "/job/api/interviews/{id}/"},
			},
			Applications: {
				Accept: {Method: http.MethodPost, Path: "/job/review/{id}/", Body: map[string]any{"action": "accept"}},
				Reject: {Method: http.MethodPost, Path: "/job/review/{id}/", Body: map[string]any{"action": "reject"}},
			},
			Jobs: {
				Delete: {Method: http.MethodDelete, Path: "/api/jobs/{id}/"},
			},
		},
		Create: map[rs.Kind]remote.Route{
			Interviews:   {Method: http.MethodPost, Path: "/job/api/interviews/create/"},
			Applications: {Method: http.MethodPost, Path: "/job/api/apply/"},
			Jobs:         {Method: http.MethodPost, Path: "/api/jobs/"},
		},
	}
}

const interviewCreateSchema = `{
  "type": "object",
  "required": ["application_id", "date", "time", "location"],
  "properties": {
    "application_id": {"type": ["integer", "string"], "minLength": 1},
    "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "time": {"type": "string", "pattern": "^[0-9]{2}:[0-9]{2}$"},
    "location": {"type": "string", "minLength": 1, "pattern": "\\S"}
  }
}`

const applicationCreateSchema = `{
  "type": "object",
  "required": ["job_id", "user_id", "cover_letter"],
  "properties": {
    "job_id": {"type": ["integer", "string"], "minLength": 1},
    "user_id": {"type": ["integer", "string"], "minLength": 1},
    "cover_letter": {"type": "string", "minLength": 1, "pattern": "\\S"}
  }
}`

const jobCreateSchema = `{
  "type": "object",
  "required": ["title", "job_position", "salary", "slots"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "job_position": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "salary": {"type": "number", "minimum": 0},
    "slots": {"type": "integer", "minimum": 1},
    "status": {"enum": ["Open", "Closed"]}
  }
}`

// Validators checks create payloads before they reach the backend.
func Validators() map[rs.Kind]*remote.Validator {
	return map[rs.Kind]*remote.Validator{
		Interviews:   remote.MustCompileValidator("interview", interviewCreateSchema),
		Applications: remote.MustCompileValidator("application", applicationCreateSchema),
		Jobs:         remote.MustCompileValidator("job", jobCreateSchema),
	}
}
