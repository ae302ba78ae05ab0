package mysql

import "context"

// schema is the complete DDL, idempotent via IF NOT EXISTS. task_events has
// no foreign key to tasks: DELETED events must survive row removal. The
// FULLTEXT index backs List's search predicate with the server's tokeniser.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id            VARCHAR(36)  NOT NULL,
    title         VARCHAR(500) NOT NULL,
    repository    VARCHAR(255) NOT NULL,
    description   TEXT         NOT NULL,
    status        VARCHAR(20)  NOT NULL DEFAULT 'pending',
    priority      VARCHAR(10)  NOT NULL DEFAULT 'medium',
    assignee      VARCHAR(255) NOT NULL DEFAULT '',
    tags          JSON         NULL,
    metadata      JSON         NULL,
    due_date      DATETIME(6)  NULL,
    external_id   VARCHAR(255) NULL,
    created_at    DATETIME(6)  NOT NULL,
    updated_at    DATETIME(6)  NOT NULL,
    completed_at  DATETIME(6)  NULL,
    created_by    VARCHAR(255) NOT NULL DEFAULT '',
    PRIMARY KEY (id),
    UNIQUE KEY uq_tasks_external_id (external_id),
    KEY idx_tasks_repository (repository),
    KEY idx_tasks_status (status),
    KEY idx_tasks_assignee (assignee),
    KEY idx_tasks_created_at (created_at),
    FULLTEXT KEY ft_tasks_text (title, description),
    CONSTRAINT chk_tasks_title CHECK (CHAR_LENGTH(title) >= 3),
    CONSTRAINT chk_tasks_completed_at CHECK (
        (status = 'completed' AND completed_at IS NOT NULL) OR
        (status <> 'completed' AND completed_at IS NULL)
    )
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

CREATE TABLE IF NOT EXISTS task_events (
    id              BIGINT       NOT NULL AUTO_INCREMENT,
    task_id         VARCHAR(36)  NOT NULL,
    event_type      VARCHAR(40)  NOT NULL,
    event_data      JSON         NULL,
    actor           VARCHAR(255) NOT NULL DEFAULT '',
    occurred_at     DATETIME(6)  NOT NULL,
    correlation_id  VARCHAR(64)  NULL,
    idempotency_key VARCHAR(128) NULL,
    PRIMARY KEY (id),
    UNIQUE KEY uq_events_idempotency_key (idempotency_key),
    KEY idx_events_task (task_id, occurred_at, id),
    KEY idx_events_type (event_type, occurred_at),
    KEY idx_events_correlation (correlation_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

CREATE TABLE IF NOT EXISTS task_dependencies (
    id              VARCHAR(36)  NOT NULL,
    source_task_id  VARCHAR(36)  NOT NULL,
    target_task_id  VARCHAR(36)  NOT NULL,
    dependency_type VARCHAR(10)  NOT NULL DEFAULT 'BLOCKS',
    status          VARCHAR(10)  NOT NULL DEFAULT 'PENDING',
    source_repo     VARCHAR(255) NOT NULL,
    target_repo     VARCHAR(255) NOT NULL,
    created_at      DATETIME(6)  NOT NULL,
    created_by      VARCHAR(255) NOT NULL DEFAULT '',
    PRIMARY KEY (id),
    UNIQUE KEY uq_dependencies_pair (source_task_id, target_task_id),
    KEY idx_dependencies_target (target_task_id),
    CONSTRAINT chk_dependencies_no_self CHECK (source_task_id <> target_task_id),
    CONSTRAINT fk_dependencies_source FOREIGN KEY (source_task_id)
        REFERENCES tasks (id) ON DELETE CASCADE,
    CONSTRAINT fk_dependencies_target FOREIGN KEY (target_task_id)
        REFERENCES tasks (id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

func (s *Store) ensureSchema(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return s.classify("apply schema", err)
	}
	return nil
}
