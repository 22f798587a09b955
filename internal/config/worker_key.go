package config

type WorkerKeyStruct struct {
	PersistAnswersQueue string
	ReconcileQueue      string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue: "persist_answers_queue",
	ReconcileQueue:      "reconcile_sessions_queue",
}
