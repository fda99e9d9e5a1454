package portal

import (
	rs "github.com/agentworkforce/recordsync/internal/recordsync"
)

const (
	Notifications rs.Kind = "notifications"
	Interviews    rs.Kind = "interviews"
	Applications  rs.Kind = "applications"
	Jobs          rs.Kind = "jobs"
)

const (
	MarkRead rs.CommandKind = "markRead"
	Delete   rs.CommandKind = "delete"
	Accept   rs.CommandKind = "accept"
	Reject   rs.CommandKind = "reject"
)

// StatusPending is the only application status the review queue shows.
const StatusPending = "Pending"

var NotificationSchema = rs.Schema{
	IDKeys:       []rs.Candidate{rs.Key("id")},
	NestedIDKeys: []rs.Candidate{rs.Key("notification", "id")},
	Fields: []rs.FieldSpec{
		{Name: "title", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("title")}},
		{Name: "message", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("message")}},
		{Name: "read", Type: rs.FieldBool, Candidates: []rs.Candidate{rs.Key("read"), rs.Key("is_read")}},
		{Name: "created_at", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("created_at"), rs.Key("timestamp")}},
	},
}

var InterviewSchema = rs.Schema{
	IDKeys:       []rs.Candidate{rs.Key("id")},
	NestedIDKeys: []rs.Candidate{rs.Key("interview", "id")},
	Fields: []rs.FieldSpec{
		{Name: "application_id", Type: rs.FieldID, Candidates: []rs.Candidate{
			rs.Key("application", "id"),
			rs.Key("application"),
			rs.Key("application_id"),
		}},
		{Name: "applicant_name", Type: rs.FieldString, Candidates: []rs.Candidate{
			rs.Key("applicant_name"),
			rs.Joined(" ",
				[]string{"application", "applicant", "first_name"},
				[]string{"application", "applicant", "last_name"},
			),
			rs.Key("application", "applicant_name"),
		}},
		{Name: "job_title", Type: rs.FieldString, Candidates: []rs.Candidate{
			rs.Key("job_title"),
			rs.Key("application", "job", "title"),
			rs.Key("job", "title"),
		}},
		{Name: "date_time", Type: rs.FieldString, Candidates: []rs.Candidate{
			rs.Key("date_time"),
			rs.Joined(" ", []string{"date"}, []string{"time"}),
		}},
		{Name: "location", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("location")}},
	},
}

var ApplicationSchema = rs.Schema{
	IDKeys:       []rs.Candidate{rs.Key("id")},
	NestedIDKeys: []rs.Candidate{rs.Key("application", "id")},
	Fields: []rs.FieldSpec{
		{Name: "status", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("status")}, Default: StatusPending},
		{Name: "applicant", Type: rs.FieldString, Candidates: []rs.Candidate{
			rs.Joined(" ", []string{"applicant", "first_name"}, []string{"applicant", "last_name"}),
			rs.Key("applicant_name"),
		}},
		{Name: "job", Type: rs.FieldString, Candidates: []rs.Candidate{
			rs.Key("job", "title"),
			rs.Key("job_title"),
			rs.Key("job"),
		}},
		{Name: "cover_letter", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("cover_letter")}},
		{Name: "resume", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("resume")}},
	},
}

var JobSchema = rs.Schema{
	IDKeys:       []rs.Candidate{rs.Key("id")},
	NestedIDKeys: []rs.Candidate{rs.Key("job", "id")},
	Fields: []rs.FieldSpec{
		{Name: "title", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("title")}},
		{Name: "job_position", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("job_position"), rs.Key("position")}},
		{Name: "description", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("description")}},
		{Name: "salary", Type: rs.FieldNumber, Candidates: []rs.Candidate{rs.Key("salary")}},
		{Name: "slots", Type: rs.FieldNumber, Candidates: []rs.Candidate{rs.Key("slots")}},
		{Name: "status", Type: rs.FieldString, Candidates: []rs.Candidate{rs.Key("status")}, Default: "Open"},
	},
}

func removal() rs.CommandSpec {
	return rs.CommandSpec{Class: rs.Destructive, Effect: rs.RemovalEffect()}
}

// Collections returns fresh definitions for every portal collection.
func Collections() []rs.Collection {
	return []rs.Collection{
		{
			Name:   Notifications,
			Schema: NotificationSchema,
			Commands: map[rs.CommandKind]rs.CommandSpec{
				MarkRead: {Class: rs.Idempotent, Effect: rs.PatchEffect(map[string]any{"read": true})},
				Delete:   removal(),
			},
		},
		{
			Name:     Interviews,
			Schema:   InterviewSchema,
			Commands: map[rs.CommandKind]rs.CommandSpec{Delete: removal()},
		},
		{
			Name:   Applications,
			Schema: ApplicationSchema,
			Commands: map[rs.CommandKind]rs.CommandSpec{
				Accept: removal(),
				Reject: removal(),
			},
			Keep: func(r rs.Record) bool { return r.String("status") == StatusPending },
		},
		{
			Name:     Jobs,
			Schema:   JobSchema,
			Commands: map[rs.CommandKind]rs.CommandSpec{Delete: removal()},
		},
	}
}

func CollectionFor(kind rs.Kind) (rs.Collection, bool) {
	for _, collection := range Collections() {
		if collection.Name == kind {
			return collection, true
		}
	}
	return rs.Collection{}, false
}

// InterviewOfApplication matches interviews scheduled for the primary
// application.
func InterviewOfApplication(primary, candidate rs.Record) bool {
	return candidate.String("application_id") != "" && candidate.String("application_id") == primary.ID
}
