package storage

// AvailableWorkersKey is the set of worker ids eligible for matching.
const AvailableWorkersKey = "available_workers"

func WorkerKey(workerID string) string { return "worker:" + workerID }

func RequesterKey(requesterID string) string { return "requester:" + requesterID }

func RideRequestKey(requestID string) string { return "ride_request:" + requestID }

func WorkerRideKey(workerID string) string { return "ride:worker:" + workerID }

func RequesterRideKey(requesterID string) string { return "ride:requester:" + requesterID }

// PendingRequestKey points a requester at its outstanding pending request.
func PendingRequestKey(requesterID string) string { return "pending_request:" + requesterID }
