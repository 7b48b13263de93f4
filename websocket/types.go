package websocket

import "time"

// AllJobs is the subscription key for clients following every job
const AllJobs = "all"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
	broadcastQueue = 1024
)
