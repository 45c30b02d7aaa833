package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1+len(h.HealthChecks))
	if h.Catalog != nil {
		components = append(components, recordComponent("catalog", h.Catalog.Ping(ctx)))
	}
	for _, check := range h.HealthChecks {
		if check.Check == nil {
			continue
		}
		components = append(components, recordComponent(check.Component, check.Check(ctx)))
	}

	return components, overallStatus, statusCode
}
