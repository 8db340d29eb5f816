package messaging

// Topics the miner publishes to
const (
	TopicJobs      = "miner.jobs"      // every job handed to the workers
	TopicSolutions = "miner.solutions" // found nonces and their verdicts
	TopicHashrate  = "miner.hashrate"  // periodic hash-rate samples
)
