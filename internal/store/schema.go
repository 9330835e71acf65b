package store

// Schema contains the SQL statements to create the fleetmon database schema.
const Schema = `
-- Servers table: durable registration and rollup state per monitored server
CREATE TABLE IF NOT EXISTS servers (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    code            TEXT UNIQUE NOT NULL,
    name            TEXT NOT NULL,
    ip              TEXT DEFAULT '',
    port            INTEGER DEFAULT 0,
    processes       TEXT DEFAULT '[]',
    cpu_history     TEXT DEFAULT '[]',
    ram_history     TEXT DEFAULT '[]',
    gpu_history     TEXT DEFAULT '[]',
    network_history TEXT DEFAULT '[]',
    up_time         INTEGER DEFAULT 0,
    down_time       INTEGER DEFAULT 0,
    availability    REAL DEFAULT 0,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Logs table: batched rows drained from the ingestion stream
CREATE TABLE IF NOT EXISTS logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    server_code TEXT NOT NULL,
    type        TEXT NOT NULL,
    message     TEXT NOT NULL,
    timestamp   DATETIME NOT NULL,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Notifications table: connectivity events for the dashboard feed
CREATE TABLE IF NOT EXISTS notifications (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    server_code TEXT NOT NULL,
    server_name TEXT NOT NULL,
    type        INTEGER NOT NULL,
    read        BOOLEAN DEFAULT FALSE,
    timestamp   DATETIME NOT NULL
);

-- Mail recipients table: addresses subscribed to disconnect alerts
CREATE TABLE IF NOT EXISTS mail_recipients (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    email      TEXT UNIQUE NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_logs_server_code ON logs(server_code);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_type ON logs(type);
CREATE INDEX IF NOT EXISTS idx_notifications_server ON notifications(server_code, type, timestamp);
`
