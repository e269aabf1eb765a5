package audit

import (
	"github.com/quantrail/sentinel/models"
)

// Helper constructors keep payload shapes consistent across the pipeline.

// DecisionEvent records a trade request entering the pipeline
func DecisionEvent(agentID string, req *models.TradeRequest) *models.AuditEvent {
	return &models.AuditEvent{
		Type:    models.EventTradingDecision,
		AgentID: agentID,
		Symbol:  req.Symbol,
		Payload: map[string]any{
			"request_id": req.ID,
			"action":     req.Action,
			"quantity":   req.Quantity,
			"confidence": req.Confidence,
			"reasoning":  req.Reasoning,
		},
	}
}

// RiskEvent records a risk engine verdict
func RiskEvent(agentID string, req *models.TradeRequest, a *models.RiskAssessment) *models.AuditEvent {
	payload := map[string]any{
		"request_id": req.ID,
		"decision":   a.Decision,
		"risk_level": a.RiskLevel,
		"risk_score": a.RiskScore,
		"reason":     a.Reason,
		"factors":    a.Factors,
	}
	if a.Modified != nil {
		payload["modified_quantity"] = a.Modified.Quantity
	}
	if a.Layer != "" {
		payload["layer"] = a.Layer
	}
	return &models.AuditEvent{
		Type:    models.EventRiskAssessment,
		AgentID: agentID,
		Symbol:  req.Symbol,
		Payload: payload,
	}
}

// ExecutionEvent records an execution outcome
func ExecutionEvent(agentID string, res *models.ExecutionResult) *models.AuditEvent {
	return &models.AuditEvent{
		Type:    models.EventExecution,
		AgentID: agentID,
		Symbol:  res.Symbol,
		Payload: map[string]any{
			"decision_id":        res.DecisionID,
			"status":             res.Status,
			"action":             res.Action,
			"requested_quantity": res.RequestedQuantity,
			"executed_quantity":  res.ExecutedQuantity,
			"executed_price":     res.ExecutedPrice,
			"fees":               res.Fees,
			"slippage":           res.Slippage,
			"error":              res.ErrorMessage,
		},
	}
}

// BreakerTransitionEvent records a circuit-breaker state change
func BreakerTransitionEvent(ev models.BreakerEvent) *models.AuditEvent {
	return &models.AuditEvent{
		Type: models.EventCircuitBreaker,
		Payload: map[string]any{
			"breaker":   ev.Type,
			"from":      ev.From,
			"to":        ev.To,
			"value":     ev.Value,
			"threshold": ev.Threshold,
			"reason":    ev.Reason,
		},
	}
}

// QualityEvent records a data-quality verdict
func QualityEvent(symbol string, report *models.QualityReport) *models.AuditEvent {
	return &models.AuditEvent{
		Type:   models.EventDataQuality,
		Symbol: symbol,
		Payload: map[string]any{
			"score":          report.Score,
			"recommendation": report.Recommendation,
			"issue_count":    len(report.Issues),
			"issues":         report.Issues,
		},
	}
}

// SystemEvent records an operational occurrence such as a mode change
func SystemEvent(message string, payload map[string]any) *models.AuditEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["message"] = message
	return &models.AuditEvent{
		Type:    models.EventSystem,
		Payload: payload,
	}
}

// EmergencyEvent records an emergency action; it flushes synchronously
func EmergencyEvent(reason string, payload map[string]any) *models.AuditEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["reason"] = reason
	return &models.AuditEvent{
		Type:    models.EventEmergency,
		Payload: payload,
	}
}

// ErrorEvent records a system fault
func ErrorEvent(stage string, err error) *models.AuditEvent {
	return &models.AuditEvent{
		Type: models.EventError,
		Payload: map[string]any{
			"stage": stage,
			"error": err.Error(),
		},
	}
}
