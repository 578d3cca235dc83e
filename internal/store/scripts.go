package store

// Every script here follows the same shape as the gokit Redis queue
// storage's Fetch script: KEYS name the index structures, ARGV carries the
// scalar inputs, the job record itself travels as a single JSON blob
// decoded/encoded with cjson so the whole read-modify-write happens inside
// one atomic Redis invocation.
//
// Conventions shared by all scripts below:
//   KEYS name the index structures a script touches (pending zset, active
//   set, completed/failed/cancelled set), in the order each script binds
//   at its top;
//   the job or worker record key travels in ARGV[1], already built by Go,
//   except in the claim script, which visits several jobs and so builds
//   each key from the job key prefix passed in ARGV[1].

// claimScriptSrc pops the highest-precedence eligible job (lowest score)
// whose service_required matches one of the worker's advertised services,
// scanning at most ARGV[scan_depth] candidates so the script stays
// bounded. It assigns the job to the worker, moves it
// from the pending zset into the active set, and stamps started_at/
// worker_id/status in the same atomic step. A claim opens a new
// (worker_id, started_at) progress epoch, so progress fields restart at 0.
const claimScriptSrc = `
local job_prefix   = ARGV[1]
local pending_key  = KEYS[1]
local active_key   = KEYS[2]
local worker_id    = ARGV[2]
local now_ms       = ARGV[3]
local scan_depth   = tonumber(ARGV[4])
local services_csv = ARGV[5]
local tags_csv     = ARGV[6]

local services = {}
for svc in string.gmatch(services_csv, "[^,]+") do
	services[svc] = true
end
local tags = {}
for tag in string.gmatch(tags_csv, "[^,]+") do
	tags[tag] = true
end

local function has_all_requirements(reqs)
	if not reqs then
		return true
	end
	for _, r in ipairs(reqs) do
		if not tags[r] then
			return false
		end
	end
	return true
end

local candidates = redis.call('ZRANGE', pending_key, 0, scan_depth - 1)
for _, job_id in ipairs(candidates) do
	local job_key = job_prefix .. job_id
	local data = redis.call('GET', job_key)
	if data then
		local job = cjson.decode(data)
		local eligible = services[job.service_required]
			and has_all_requirements(job.requirements)
			and job.last_failed_worker ~= worker_id
		if eligible then
			redis.call('ZREM', pending_key, job_id)
			job.status = 'assigned'
			job.worker_id = worker_id
			job.started_at = tonumber(now_ms)
			job.updated_at = tonumber(now_ms)
			job.progress = 0
			job.progress_text = ''
			job.last_progress_event_ts = nil
			redis.call('SET', job_key, cjson.encode(job))
			redis.call('SADD', active_key, job_id)
			return cjson.encode(job)
		end
	else
		-- dangling zset member with no backing record; drop it.
		redis.call('ZREM', pending_key, job_id)
	end
end
return false
`

// submitScriptSrc writes a brand-new job record and indexes it into the
// pending queue under its precomputed score in one step, so a reader can
// never observe the record without its queue membership or vice versa.
const submitScriptSrc = `
local job_key     = ARGV[1]
local pending_key = KEYS[1]
local job_id      = ARGV[2]
local score       = tonumber(ARGV[3])
local data        = ARGV[4]

redis.call('SET', job_key, data)
redis.call('ZADD', pending_key, score, job_id)
return 1
`

// progressScriptSrc updates progress fields only if the caller still owns
// the job (the ownership check is unconditional) and the job has not
// already left in_progress. It additionally drops the update, still as a
// no-op "stale_update" rather than an error, when either the caller's
// event_ts is older than the job's last recorded progress event or
// progress itself would decrease within the current (worker_id,
// started_at) epoch.
const progressScriptSrc = `
local job_key   = ARGV[1]
local worker_id = ARGV[2]
local now_ms    = ARGV[3]
local progress  = tonumber(ARGV[4])
local text      = ARGV[5]
local eta       = ARGV[6]
local event_ts  = tonumber(ARGV[7])

local data = redis.call('GET', job_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local job = cjson.decode(data)
if job.worker_id ~= worker_id then
	return cjson.encode({ok = false, reason = 'stale_update'})
end
if job.status ~= 'assigned' and job.status ~= 'in_progress' then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

if job.last_progress_event_ts and event_ts and event_ts > 0
	and event_ts < job.last_progress_event_ts then
	return cjson.encode({ok = false, reason = 'stale_update'})
end
if job.progress and progress < job.progress then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

job.status = 'in_progress'
job.progress = progress
job.progress_text = text
if eta ~= '' then
	job.estimated_completion = tonumber(eta)
end
if event_ts and event_ts > 0 then
	job.last_progress_event_ts = event_ts
end
job.updated_at = tonumber(now_ms)
redis.call('SET', job_key, cjson.encode(job))
return cjson.encode({ok = true, job = job})
`

// completeScriptSrc marks a job completed, records the result payload, and
// moves it from the active set to the completed set, enforcing the same
// unconditional ownership check as progress updates.
const completeScriptSrc = `
local job_key       = ARGV[1]
local worker_id      = ARGV[2]
local now_ms         = ARGV[3]
local result         = ARGV[4]
local active_key     = KEYS[1]
local completed_key  = KEYS[2]

local data = redis.call('GET', job_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local job = cjson.decode(data)
if job.worker_id ~= worker_id then
	return cjson.encode({ok = false, reason = 'stale_update'})
end
if job.status == 'completed' or job.status == 'failed' or job.status == 'cancelled' or job.status == 'timeout' then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

job.status = 'completed'
job.result = result
job.completed_at = tonumber(now_ms)
job.updated_at = tonumber(now_ms)
redis.call('SET', job_key, cjson.encode(job))
redis.call('SREM', active_key, job.job_id)
redis.call('SADD', completed_key, job.job_id)
return cjson.encode({ok = true, job = job})
`

// failScriptSrc implements the retry/terminal-failure branch: if the job's
// retry_count is still under max_retries it is requeued to pending with
// its original score recomputed from the job's own immutable fields (so it
// re-enters the priority ordering, not the back of a FIFO), otherwise it
// is moved to the failed set permanently.
const failScriptSrc = `
local job_key     = ARGV[1]
local worker_id   = ARGV[2]
local now_ms      = ARGV[3]
local err_msg     = ARGV[4]
local can_retry   = ARGV[5] == '1'
local active_key  = KEYS[1]
local failed_key  = KEYS[2]
local pending_key = KEYS[3]

local data = redis.call('GET', job_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local job = cjson.decode(data)
if job.worker_id ~= worker_id then
	return cjson.encode({ok = false, reason = 'stale_update'})
end
if job.status == 'completed' or job.status == 'failed' or job.status == 'cancelled' or job.status == 'timeout' then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

job.last_error = err_msg
job.last_failed_worker = worker_id
job.updated_at = tonumber(now_ms)
redis.call('SREM', active_key, job.job_id)

if can_retry and job.retry_count + 1 <= job.max_retries then
	local tier = 1e13
	local wf_priority = tonumber(job.workflow_priority) or 0
	local wf_datetime = tonumber(job.workflow_datetime) or 0
	local score = -job.priority * tier - wf_priority * tier - wf_datetime + job.created_at
	job.retry_count = job.retry_count + 1
	job.status = 'pending'
	job.worker_id = ''
	-- cross-epoch progress values are independent: the next
	-- claimant starts its own epoch at progress 0.
	job.progress = 0
	job.progress_text = ''
	job.last_progress_event_ts = nil
	redis.call('SET', job_key, cjson.encode(job))
	redis.call('ZADD', pending_key, score, job.job_id)
	return cjson.encode({ok = true, retried = true, job = job})
else
	job.status = 'failed'
	redis.call('SET', job_key, cjson.encode(job))
	redis.call('SADD', failed_key, job.job_id)
	return cjson.encode({ok = true, retried = false, job = job})
end
`

// timeoutScriptSrc forces a job straight to the terminal 'timeout' status
// regardless of retry budget: a timeout is a distinct terminal variant of
// failed, never retried. It still lands in the failed set so every job id
// stays accounted for in exactly one bucket.
const timeoutScriptSrc = `
local job_key    = ARGV[1]
local now_ms      = ARGV[2]
local err_msg      = ARGV[3]
local active_key  = KEYS[1]
local failed_key  = KEYS[2]

local data = redis.call('GET', job_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local job = cjson.decode(data)
if job.status == 'completed' or job.status == 'failed' or job.status == 'cancelled' or job.status == 'timeout' then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

job.status = 'timeout'
job.last_error = err_msg
job.updated_at = tonumber(now_ms)
redis.call('SREM', active_key, job.job_id)
redis.call('SET', job_key, cjson.encode(job))
redis.call('SADD', failed_key, job.job_id)
return cjson.encode({ok = true, job = job})
`

// cancelScriptSrc moves a job to cancelled from any non-terminal state,
// removing it from whichever structure currently holds it (pending zset or
// active set). Cancellation is the one mutation that carries no ownership
// check, since it can target a still-queued job.
const cancelScriptSrc = `
local job_key     = ARGV[1]
local now_ms       = ARGV[2]
local reason       = ARGV[3]
local pending_key  = KEYS[1]
local active_key   = KEYS[2]
local cancelled_key = KEYS[3]

local data = redis.call('GET', job_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local job = cjson.decode(data)
if job.status == 'completed' or job.status == 'failed' or job.status == 'cancelled' or job.status == 'timeout' then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

redis.call('ZREM', pending_key, job.job_id)
redis.call('SREM', active_key, job.job_id)
job.status = 'cancelled'
job.cancel_reason = reason
job.updated_at = tonumber(now_ms)
redis.call('SET', job_key, cjson.encode(job))
redis.call('SADD', cancelled_key, job.job_id)
return cjson.encode({ok = true, job = job})
`

// workerStatusScriptSrc sets a worker's status field, GET-then-SET collapsed
// into one atomic step so a concurrent heartbeat or counter update can
// never clobber it, the race a GET-then-SET from Go would otherwise allow
// between two components updating the same worker record concurrently.
const workerStatusScriptSrc = `
local worker_key = ARGV[1]
local status     = ARGV[2]

local data = redis.call('GET', worker_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local w = cjson.decode(data)
w.status = status
redis.call('SET', worker_key, cjson.encode(w))
return cjson.encode({ok = true, worker = w})
`

// workerHeartbeatScriptSrc bumps last_heartbeat_at and optionally replaces
// system_info, atomically: a heartbeat arriving between another
// component's read and write of the same record must never be lost.
const workerHeartbeatScriptSrc = `
local worker_key      = ARGV[1]
local now_ms          = ARGV[2]
local has_system_info = ARGV[3] == '1'
local system_info     = ARGV[4]

local data = redis.call('GET', worker_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local w = cjson.decode(data)
w.last_heartbeat_at = tonumber(now_ms)
if has_system_info then
	w.system_info = system_info
end
redis.call('SET', worker_key, cjson.encode(w))
return cjson.encode({ok = true, worker = w})
`

// workerCurrentJobsScriptSrc replaces a worker's current_jobs set atomically,
// used by the broker on claim/release/completion so it never races a
// concurrent status or heartbeat write on the same record.
const workerCurrentJobsScriptSrc = `
local worker_key = ARGV[1]
local jobs_csv    = ARGV[2]

local data = redis.call('GET', worker_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local w = cjson.decode(data)
-- an empty Lua table would encode as a JSON object, not an array, so the
-- field is dropped entirely when there are no jobs.
if jobs_csv == '' then
	w.current_jobs = nil
else
	local jobs = {}
	for job_id in string.gmatch(jobs_csv, "[^,]+") do
		table.insert(jobs, job_id)
	end
	w.current_jobs = jobs
end
redis.call('SET', worker_key, cjson.encode(w))
return cjson.encode({ok = true, worker = w})
`

// workerCountersScriptSrc bumps jobs_completed/jobs_failed atomically, used
// by the progress/completion engine after a terminal transition. A missing
// worker is reported back as not_found rather than silently returning ok, so
// the Go-level caller, not the script, decides whether a vanished worker
// (already garbage collected by Sweep C) is worth logging.
const workerCountersScriptSrc = `
local worker_key      = ARGV[1]
local completed_delta = tonumber(ARGV[2])
local failed_delta    = tonumber(ARGV[3])

local data = redis.call('GET', worker_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local w = cjson.decode(data)
w.jobs_completed = w.jobs_completed + completed_delta
w.jobs_failed = w.jobs_failed + failed_delta
redis.call('SET', worker_key, cjson.encode(w))
return cjson.encode({ok = true, worker = w})
`

// requeueScriptSrc reinserts a non-terminal job into the pending queue with
// last_failed_worker cleared, so a future worker for its service isn't
// excluded by a failure stamp left from a worker that no longer exists. The
// score is recomputed here from the job's own fields (all immutable after
// submission) rather than passed in, so the whole read-score-write runs as
// one atomic step with no Go-side read preceding it.
const requeueScriptSrc = `
local job_key     = ARGV[1]
local now_ms      = ARGV[2]
local pending_key = KEYS[1]
local active_key  = KEYS[2]

local data = redis.call('GET', job_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local job = cjson.decode(data)
if job.status == 'completed' or job.status == 'failed' or job.status == 'cancelled' or job.status == 'timeout' then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

local tier = 1e13
local wf_priority = tonumber(job.workflow_priority) or 0
local wf_datetime = tonumber(job.workflow_datetime) or 0
local score = -job.priority * tier - wf_priority * tier - wf_datetime + job.created_at

job.last_failed_worker = nil
job.worker_id = ''
job.status = 'pending'
job.updated_at = tonumber(now_ms)
redis.call('SREM', active_key, job.job_id)
redis.call('SET', job_key, cjson.encode(job))
redis.call('ZADD', pending_key, score, job.job_id)
return cjson.encode({ok = true, job = job})
`

// releaseScriptSrc puts a non-terminal (assigned or in_progress) job back
// into the pending queue without consuming a retry, used when its worker
// disconnects or is removed. The score is recomputed in-script
// from the job's own immutable fields, same as fail/requeue.
const releaseScriptSrc = `
local job_key     = ARGV[1]
local now_ms      = ARGV[2]
local active_key  = KEYS[1]
local pending_key = KEYS[2]

local data = redis.call('GET', job_key)
if not data then
	return cjson.encode({ok = false, reason = 'not_found'})
end
local job = cjson.decode(data)
if job.status == 'completed' or job.status == 'failed' or job.status == 'cancelled' or job.status == 'timeout' then
	return cjson.encode({ok = false, reason = 'stale_update'})
end

local tier = 1e13
local wf_priority = tonumber(job.workflow_priority) or 0
local wf_datetime = tonumber(job.workflow_datetime) or 0
local score = -job.priority * tier - wf_priority * tier - wf_datetime + job.created_at

redis.call('SREM', active_key, job.job_id)
job.status = 'pending'
job.worker_id = ''
job.updated_at = tonumber(now_ms)
redis.call('SET', job_key, cjson.encode(job))
redis.call('ZADD', pending_key, score, job.job_id)
return cjson.encode({ok = true, job = job})
`
