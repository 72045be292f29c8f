package lberrors

// Envelope is the OpenAI-shaped error response body returned to clients on
// any terminal failure, per spec.md §6/§7.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the nested error object within Envelope.
type EnvelopeBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// ToEnvelope renders err as the OpenAI-compatible error envelope. Any error
// that isn't a classified *LBError is rendered as an opaque internal error
// so upstream causes never leak to clients.
func ToEnvelope(err error) (Envelope, int) {
	le := New(CodeInternal, "internal error")
	if v, ok := err.(*LBError); ok {
		le = v
	}
	return Envelope{Error: EnvelopeBody{
		Type:    string(le.Code),
		Code:    string(le.Code),
		Message: le.Message,
		Param:   le.Param,
	}}, le.HTTPStatus()
}
