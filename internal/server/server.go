// Package server exposes the world over HTTP. Reads are public; the write
// surface lets a human citizen act in the economy with a JWT whose subject
// is their citizen id.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"genesis/internal/domain"
	"genesis/internal/intent"
	"genesis/internal/ledger"
	"genesis/internal/market"
	"genesis/internal/world"
)

// Config for the HTTP API handler.
type Config struct {
	World    *world.World
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"C1 has 3, needs 10: insufficient funds"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the world API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Genesis API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.World)
	registerCitizens(group, cfg.World)
	registerTreasury(group, cfg.World)
	registerNeeds(group, cfg.World)
	registerPlaza(group, cfg.World)
	registerChronicle(group, cfg.World)
	registerActions(group, cfg.World)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ledger.ErrUnknownCitizen),
		errors.Is(err, market.ErrNeedNotFound),
		errors.Is(err, world.ErrWorldNotInitialized):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return newAPIError(http.StatusConflict, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, ledger.ErrCitizenHibernating),
		errors.Is(err, market.ErrNeedNotOpen),
		errors.Is(err, world.ErrWorldExtinct):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, market.ErrSelfVote),
		errors.Is(err, intent.ErrUnknownKind):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "must") || strings.Contains(msg, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, w *world.World) {
	type statusBody struct {
		Day            int                   `json:"day"`
		Status         string                `json:"status"`
		ActiveCitizens int                   `json:"active_citizens"`
		Treasury       domain.TreasuryStatus `json:"treasury"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "world-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "World status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statusBody `json:"body"`
	}, error) {
		wr, err := w.Current(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		active, err := w.Ledger.ActiveCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		treasury, err := w.Ledger.TreasuryStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statusBody `json:"body"`
		}{Body: statusBody{Day: wr.Day, Status: wr.Status, ActiveCitizens: active, Treasury: treasury}}, nil
	})
}

func registerCitizens(api huma.API, w *world.World) {
	huma.Register(api, huma.Operation{
		OperationID: "list-citizens",
		Method:      http.MethodGet,
		Path:        "/citizens",
		Summary:     "List citizens",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Citizen `json:"body"`
	}, error) {
		citizens, err := w.Ledger.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Citizen `json:"body"`
		}{Body: citizens}, nil
	})

	type citizenPath struct {
		CitizenID string `path:"citizen_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-citizen",
		Method:      http.MethodGet,
		Path:        "/citizens/{citizen_id}",
		Summary:     "Get one citizen",
	}, func(ctx context.Context, input *citizenPath) (*struct {
		Body domain.Citizen `json:"body"`
	}, error) {
		c, err := w.Ledger.Get(ctx, input.CitizenID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Citizen `json:"body"`
		}{Body: c}, nil
	})
}

func registerTreasury(api huma.API, w *world.World) {
	huma.Register(api, huma.Operation{
		OperationID: "treasury-status",
		Method:      http.MethodGet,
		Path:        "/treasury",
		Summary:     "Treasury status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.TreasuryStatus `json:"body"`
	}, error) {
		status, err := w.Ledger.TreasuryStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TreasuryStatus `json:"body"`
		}{Body: status}, nil
	})

	type logQuery struct {
		Limit int `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "treasury-log",
		Method:      http.MethodGet,
		Path:        "/treasury/log",
		Summary:     "Treasury audit trail",
	}, func(ctx context.Context, input *logQuery) (*struct {
		Body []domain.TreasuryEntry `json:"body"`
	}, error) {
		entries, err := w.Ledger.TreasuryLog(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TreasuryEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerNeeds(api huma.API, w *world.World) {
	type needsQuery struct {
		Day int `query:"day"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-needs",
		Method:      http.MethodGet,
		Path:        "/needs",
		Summary:     "Open needs for a day",
	}, func(ctx context.Context, input *needsQuery) (*struct {
		Body []domain.Need `json:"body"`
	}, error) {
		day, err := resolveDay(ctx, w, input.Day)
		if err != nil {
			return nil, handleError(err)
		}
		needs, err := w.Market.OpenNeeds(ctx, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Need `json:"body"`
		}{Body: needs}, nil
	})

	type needPath struct {
		NeedID string `path:"need_id"`
		Day    int    `query:"day"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-need",
		Method:      http.MethodGet,
		Path:        "/needs/{need_id}",
		Summary:     "Get a need with submissions and votes",
	}, func(ctx context.Context, input *needPath) (*struct {
		Body domain.Need `json:"body"`
	}, error) {
		day, err := resolveDay(ctx, w, input.Day)
		if err != nil {
			return nil, handleError(err)
		}
		need, err := w.Market.GetNeed(ctx, input.NeedID, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Need `json:"body"`
		}{Body: need}, nil
	})
}

func registerPlaza(api huma.API, w *world.World) {
	type plazaQuery struct {
		Limit int `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "plaza-recent",
		Method:      http.MethodGet,
		Path:        "/plaza",
		Summary:     "Latest plaza messages",
	}, func(ctx context.Context, input *plazaQuery) (*struct {
		Body []domain.PlazaMessage `json:"body"`
	}, error) {
		msgs, err := w.Plaza.Recent(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PlazaMessage `json:"body"`
		}{Body: msgs}, nil
	})
}

func registerChronicle(api huma.API, w *world.World) {
	type chronicleQuery struct {
		Day   int `query:"day"`
		Limit int `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "chronicle",
		Method:      http.MethodGet,
		Path:        "/chronicle",
		Summary:     "Chronicle events",
	}, func(ctx context.Context, input *chronicleQuery) (*struct {
		Body []domain.ChronicleEntry `json:"body"`
	}, error) {
		var (
			entries []domain.ChronicleEntry
			err     error
		)
		if input.Day > 0 {
			entries, err = w.Chronicle.Day(ctx, input.Day)
		} else {
			entries, err = w.Chronicle.Tail(ctx, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChronicleEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerActions(api huma.API, w *world.World) {
	type speakInput struct {
		Body struct {
			Content string `json:"content" minLength:"1"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "speak",
		Method:      http.MethodPost,
		Path:        "/speak",
		Summary:     "Post a plaza message as the authenticated citizen",
	}, func(ctx context.Context, input *speakInput) (*struct {
		Body domain.PlazaMessage `json:"body"`
	}, error) {
		citizenID, authErr := citizenFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		day, err := resolveDay(ctx, w, 0)
		if err != nil {
			return nil, handleError(err)
		}
		msg, err := w.Plaza.Speak(ctx, citizenID, input.Body.Content, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlazaMessage `json:"body"`
		}{Body: msg}, nil
	})

	type payInput struct {
		Body struct {
			To     string `json:"to" minLength:"1"`
			Amount int    `json:"amount" minimum:"1"`
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "pay",
		Method:      http.MethodPost,
		Path:        "/pay",
		Summary:     "Transfer tokens to another citizen",
	}, func(ctx context.Context, input *payInput) (*struct {
		Body ledger.PayResult `json:"body"`
	}, error) {
		citizenID, authErr := citizenFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		day, err := resolveDay(ctx, w, 0)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := w.Ledger.Pay(ctx, citizenID, input.Body.To, input.Body.Amount, input.Body.Reason, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.PayResult `json:"body"`
		}{Body: res}, nil
	})

	type submitInput struct {
		NeedID string `path:"need_id"`
		Body   struct {
			Content string `json:"content" minLength:"1"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "submit",
		Method:      http.MethodPost,
		Path:        "/needs/{need_id}/submissions",
		Summary:     "Submit work on an open need",
	}, func(ctx context.Context, input *submitInput) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		citizenID, authErr := citizenFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		day, err := resolveDay(ctx, w, 0)
		if err != nil {
			return nil, handleError(err)
		}
		sub, err := w.Market.Submit(ctx, input.NeedID, day, citizenID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})

	type voteInput struct {
		NeedID string `path:"need_id"`
		Body   struct {
			Candidate string `json:"candidate" minLength:"1"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "vote",
		Method:      http.MethodPost,
		Path:        "/needs/{need_id}/votes",
		Summary:     "Vote for the best submission on a need",
	}, func(ctx context.Context, input *voteInput) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		citizenID, authErr := citizenFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		day, err := resolveDay(ctx, w, 0)
		if err != nil {
			return nil, handleError(err)
		}
		if err := w.Market.Vote(ctx, input.NeedID, day, citizenID, input.Body.Candidate); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "counted"}}, nil
	})

	type outputInput struct {
		Body struct {
			OutputType  string `json:"output_type" minLength:"1"`
			Title       string `json:"title" minLength:"1"`
			ContentPath string `json:"content_path,omitempty"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "register-output",
		Method:      http.MethodPost,
		Path:        "/outputs",
		Summary:     "Register an external output",
	}, func(ctx context.Context, input *outputInput) (*struct {
		Body domain.Output `json:"body"`
	}, error) {
		citizenID, authErr := citizenFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		day, err := resolveDay(ctx, w, 0)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := w.External.RegisterOutput(ctx, citizenID, input.Body.OutputType, input.Body.Title, input.Body.ContentPath, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Output `json:"body"`
		}{Body: out}, nil
	})

	type incomeInput struct {
		Body struct {
			Amount int    `json:"amount" minimum:"1"`
			Source string `json:"source" minLength:"1"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "record-income",
		Method:      http.MethodPost,
		Path:        "/income",
		Summary:     "Record external income for the authenticated citizen",
	}, func(ctx context.Context, input *incomeInput) (*struct {
		Body domain.IncomeEntry `json:"body"`
	}, error) {
		citizenID, authErr := citizenFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		day, err := resolveDay(ctx, w, 0)
		if err != nil {
			return nil, handleError(err)
		}
		entry, err := w.External.RecordIncome(ctx, citizenID, input.Body.Amount, input.Body.Source, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IncomeEntry `json:"body"`
		}{Body: entry}, nil
	})
}

func resolveDay(ctx context.Context, w *world.World, override int) (int, error) {
	if override > 0 {
		return override, nil
	}
	wr, err := w.Current(ctx)
	if err != nil {
		return 0, err
	}
	return wr.Day, nil
}
