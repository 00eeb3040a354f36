package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Canonical canvas of each project
			CREATE TABLE project_graphs (
				project_id VARCHAR(255) PRIMARY KEY,
				graph JSONB NOT NULL,
				version BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		2: `
			-- Take registry
			CREATE TABLE takes (
				shot_id VARCHAR(255) NOT NULL,
				id VARCHAR(64) NOT NULL,
				project_id VARCHAR(255),
				node_id VARCHAR(255),
				sequence BIGINT NOT NULL,
				job_id VARCHAR(255),
				file_path TEXT NOT NULL,
				thumbnail_path TEXT,
				status VARCHAR(20) NOT NULL CHECK (status IN ('generating', 'complete', 'failed')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				file_size BIGINT,
				generation_params JSONB DEFAULT '{}',
				quality VARCHAR(20) NOT NULL,
				error_message TEXT,
				PRIMARY KEY (shot_id, id),
				UNIQUE (shot_id, sequence),
				UNIQUE (file_path)
			);

			CREATE INDEX idx_takes_job_id ON takes(job_id);

			CREATE TABLE active_takes (
				shot_id VARCHAR(255) PRIMARY KEY,
				take_id VARCHAR(64) NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				FOREIGN KEY (shot_id, take_id) REFERENCES takes(shot_id, id) ON DELETE CASCADE
			);

			-- Sequences outlive the takes that used them
			CREATE TABLE take_sequences (
				shot_id VARCHAR(255) PRIMARY KEY,
				last_sequence BIGINT NOT NULL
			);
		`,
	}
}
