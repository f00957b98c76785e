package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/boardsync/internal/domain"
)

type ListTicketsInput struct {
	Version     string `query:"version" doc:"Last board version the client holds; 304 when unchanged"`
	Refresh     string `query:"t" doc:"Forced-refresh marker; bypasses the cache and the version check"`
	IfNoneMatch string `header:"If-None-Match" doc:"ETag of the board the client holds"`
}

type ListTicketsOutput struct {
	Body func(ctx huma.Context)
}

type CreateTicketInput struct {
	Body struct {
		Title       string `json:"title" required:"false" doc:"Ticket title"`
		Description string `json:"description" required:"false" doc:"Ticket description"`
	}
}

type TicketOutput struct {
	Body domain.Ticket
}

type TicketIDInput struct {
	ID string `path:"id" doc:"Ticket ID"`
}

type UpdateTicketInput struct {
	ID   string `path:"id" doc:"Ticket ID"`
	Body struct {
		Title       *string `json:"title,omitempty" doc:"New title"`
		Description *string `json:"description,omitempty" doc:"New description"`
		Status      *string `json:"status,omitempty" doc:"New status: todo, in-progress or done"`
	}
}

type DeleteTicketOutput struct {
	Body struct {
		Success bool `json:"success"`
	}
}

func RegisterTicketRoutes(api huma.API, store BoardStore) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "Get the board, conditionally on the client's version",
		Tags:        []string{"Tickets"},
	}, func(ctx context.Context, input *ListTicketsInput) (*ListTicketsOutput, error) {
		forced := input.Refresh != ""

		known, hasKnown := int64(0), false
		if input.Version != "" && !forced {
			v, err := strconv.ParseInt(input.Version, 10, 64)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid version")
			}
			known, hasKnown = v, true
		}

		st := store.Read(ctx, forced)
		etag := `"` + strconv.FormatInt(st.Version, 10) + `"`
		notModified := !forced && ((hasKnown && known == st.Version) || matchesETag(input.IfNoneMatch, etag))

		return &ListTicketsOutput{Body: func(hctx huma.Context) {
			hctx.SetHeader("ETag", etag)
			hctx.SetHeader("Cache-Control", "no-cache, no-store, must-revalidate")
			hctx.SetHeader("Pragma", "no-cache")
			hctx.SetHeader("Expires", "0")

			if notModified {
				hctx.SetStatus(http.StatusNotModified)
				return
			}

			hctx.SetHeader("Content-Type", "application/json")
			hctx.SetStatus(http.StatusOK)
			_ = json.NewEncoder(hctx.BodyWriter()).Encode(st)
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Create a ticket",
		Tags:          []string{"Tickets"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateTicketInput) (*TicketOutput, error) {
		t, err := store.CreateTicket(ctx, input.Body.Title, input.Body.Description)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				return nil, huma.Error400BadRequest("title and description are required")
			}
			return nil, huma.Error500InternalServerError("failed to create ticket", err)
		}
		return &TicketOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get a ticket",
		Tags:        []string{"Tickets"},
	}, func(ctx context.Context, input *TicketIDInput) (*TicketOutput, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}

		t, err := store.GetTicket(ctx, id)
		if err != nil {
			return nil, ticketError(err, "failed to get ticket")
		}
		return &TicketOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-ticket",
		Method:      http.MethodPut,
		Path:        "/tickets/{id}",
		Summary:     "Update a ticket",
		Description: "Fields left out of the body are unchanged.",
		Tags:        []string{"Tickets"},
	}, func(ctx context.Context, input *UpdateTicketInput) (*TicketOutput, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}

		patch := domain.TicketPatch{
			Title:       input.Body.Title,
			Description: input.Body.Description,
		}
		if input.Body.Status != nil {
			s := domain.TicketStatus(*input.Body.Status)
			patch.Status = &s
		}

		t, err := store.UpdateTicket(ctx, id, patch)
		if err != nil {
			return nil, ticketError(err, "failed to update ticket")
		}
		return &TicketOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-ticket",
		Method:      http.MethodDelete,
		Path:        "/tickets/{id}",
		Summary:     "Delete a ticket",
		Tags:        []string{"Tickets"},
	}, func(ctx context.Context, input *TicketIDInput) (*DeleteTicketOutput, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}

		ok, err := store.DeleteTicket(ctx, id)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to delete ticket", err)
		}
		if !ok {
			return nil, huma.Error404NotFound("ticket not found")
		}

		out := &DeleteTicketOutput{}
		out.Body.Success = true
		return out, nil
	})
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, huma.Error400BadRequest("invalid ticket id")
	}
	return id, nil
}

func ticketError(err error, msg string) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return huma.Error400BadRequest(validationMessage(err))
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound("ticket not found")
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}

// validationMessage strips the wrapping prefixes, leaving e.g.
// "title must not be empty".
func validationMessage(err error) string {
	msg := strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	return msg
}

func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		c := strings.TrimSpace(candidate)
		if c == "*" || strings.TrimPrefix(c, "W/") == etag {
			return true
		}
	}
	return false
}
