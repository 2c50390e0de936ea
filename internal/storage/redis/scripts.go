package redis

const (
	// createTripScript atomically stores a new trip and its indexes.
	// Returns 1 on success, 0 if the trip id is taken, -1 if the device
	// already has a different open trip.
	createTripScript = `
local trip_key = KEYS[1]      -- triptrack:trip:{tripID}
local device_index = KEYS[2]  -- triptrack:trips:device:{deviceID}
local all_index = KEYS[3]     -- triptrack:trips
local open_index = KEYS[4]    -- triptrack:trips:open

local trip_id = ARGV[1]
local device_id = ARGV[2]
local score = tonumber(ARGV[3])
local is_open = ARGV[4]

if redis.call('EXISTS', trip_key) == 1 then
  return 0
end

if is_open == '1' then
  local current = redis.call('HGET', open_index, device_id)
  if current and current ~= trip_id then
    return -1
  end
end

-- Remaining ARGV are field/value pairs
local fields = {}
for i = 5, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', trip_key, unpack(fields))

redis.call('ZADD', device_index, score, trip_id)
redis.call('ZADD', all_index, score, trip_id)
if is_open == '1' then
  redis.call('HSET', open_index, device_id, trip_id)
end

return 1
`

	// updateTripScript overwrites an existing trip and keeps the open index
	// in step with its end time. Returns 0 if the trip does not exist.
	updateTripScript = `
local trip_key = KEYS[1]
local device_index = KEYS[2]
local all_index = KEYS[3]
local open_index = KEYS[4]

local trip_id = ARGV[1]
local device_id = ARGV[2]
local score = tonumber(ARGV[3])
local is_open = ARGV[4]

if redis.call('EXISTS', trip_key) == 0 then
  return 0
end

if is_open == '1' then
  local current = redis.call('HGET', open_index, device_id)
  if current and current ~= trip_id then
    return -1
  end
end

local fields = {}
for i = 5, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', trip_key, unpack(fields))

redis.call('ZADD', device_index, score, trip_id)
redis.call('ZADD', all_index, score, trip_id)

if is_open == '1' then
  redis.call('HSET', open_index, device_id, trip_id)
else
  -- Closed trip: only clear the open index if it still points here
  if redis.call('HGET', open_index, device_id) == trip_id then
    redis.call('HDEL', open_index, device_id)
  end
end

return 1
`

	// deleteTripScript removes a trip and all index entries for it.
	// Returns the number of trips removed (0 or 1).
	deleteTripScript = `
local trip_key = KEYS[1]
local all_index = KEYS[2]
local open_index = KEYS[3]
local device_prefix = ARGV[2]

local trip_id = ARGV[1]
local device_id = redis.call('HGET', trip_key, 'device_id')
if not device_id then
  return 0
end

redis.call('DEL', trip_key)
redis.call('ZREM', device_prefix .. device_id, trip_id)
redis.call('ZREM', all_index, trip_id)
if redis.call('HGET', open_index, device_id) == trip_id then
  redis.call('HDEL', open_index, device_id)
end

return 1
`
)
