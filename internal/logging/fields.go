package logging

// Standardized attribute keys shared across components so log output stays
// greppable.
const (
	FieldComponent  = "component"
	FieldEventType  = "event_type"
	FieldJobID      = "job_id"
	FieldPipelineID = "pipeline_id"
	FieldCapability = "capability"
	FieldStep       = "step"
	FieldQueueKind  = "queue_kind"
	FieldWorker     = "worker"
	FieldRequestID  = "request_id"
	FieldErrorHint  = "error_hint"
)
