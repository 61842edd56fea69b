package einvoice

// documentStateFromService maps the service's per-document vocabulary onto
// the internal lifecycle states. Unmapped upstream statuses deliberately land
// in PROCESSING so a new upstream value degrades to "still waiting" rather
// than a bogus terminal state.
func documentStateFromService(status ServiceStatus) DocumentState {
	switch status {
	case ServiceSubmitted:
		return DocumentProcessing
	case ServiceValid:
		return DocumentCompleted
	case ServiceInvalid, ServiceRejected:
		return DocumentFailed
	case ServiceCancelled:
		return DocumentFailed
	default:
		return DocumentProcessing
	}
}

// validationStateFromDocument maps a terminal document state onto the
// persisted validation field.
func validationStateFromDocument(state DocumentState) ValidationState {
	switch state {
	case DocumentCompleted:
		return ValidationValid
	case DocumentFailed, DocumentRejected:
		return ValidationInvalid
	case DocumentAccepted, DocumentProcessing:
		return ValidationPending
	default:
		return ValidationPending
	}
}
