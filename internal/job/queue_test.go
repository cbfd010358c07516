package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/video-stream/captioner/internal/db"
	"github.com/video-stream/captioner/internal/job"
)

var _ = Describe("JobQueue", func() {
	var (
		database *db.Database
		queue    *job.JobQueue
	)

	statusOf := func(id string) func() job.JobStatus {
		return func() job.JobStatus {
			j, err := queue.GetJob(id)
			if err != nil {
				return ""
			}
			return j.Status
		}
	}

	BeforeEach(func() {
		var err error
		database, err = db.NewSQLite(filepath.Join(GinkgoT().TempDir(), "jobs.db"))
		Expect(err).NotTo(HaveOccurred())
		queue = job.NewJobQueue(database.DB(), func(err error) string { return "public: " + err.Error() })
		queue.Start()
		DeferCleanup(func() {
			queue.Stop()
			database.Close()
		})
	})

	It("runs a job and stores its result", func() {
		queue.RegisterHandler(job.JobGenerate, func(ctx context.Context, j *job.Job, progress func(float64)) (any, error) {
			var params job.GenerateParams
			if err := json.Unmarshal(j.Params, &params); err != nil {
				return nil, err
			}
			progress(0.5)
			return map[string]string{"name": params.OriginalName}, nil
		})

		j, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", job.GenerateParams{OriginalName: "talk.mp4"})
		Expect(err).NotTo(HaveOccurred())
		Expect(j.Status).To(Equal(job.StatusPending))

		Eventually(statusOf(j.ID)).Should(Equal(job.StatusCompleted))
		done, err := queue.GetJob(j.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(done.Progress).To(Equal(1.0))
		Expect(done.Result).To(MatchJSON(`{"name":"talk.mp4"}`))
		Expect(done.StartedAt).NotTo(BeNil())
		Expect(done.CompletedAt).NotTo(BeNil())
		Expect(done.Finished()).To(BeTrue())
	})

	It("records handler failures through the error renderer", func() {
		queue.RegisterHandler(job.JobGenerate, func(context.Context, *job.Job, func(float64)) (any, error) {
			return nil, errors.New("boom")
		})

		j, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", job.GenerateParams{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(statusOf(j.ID)).Should(Equal(job.StatusFailed))
		failed, _ := queue.GetJob(j.ID)
		Expect(failed.Error).To(Equal("public: boom"))
	})

	It("fails jobs with no registered handler", func() {
		j, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(statusOf(j.ID)).Should(Equal(job.StatusFailed))
	})

	It("recovers from a panicking handler", func() {
		queue.RegisterHandler(job.JobGenerate, func(context.Context, *job.Job, func(float64)) (any, error) {
			panic("kaboom")
		})
		j, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(statusOf(j.ID)).Should(Equal(job.StatusFailed))
		failed, _ := queue.GetJob(j.ID)
		Expect(failed.Error).To(ContainSubstring("kaboom"))
	})

	It("cancels a running job through its context", func() {
		started := make(chan struct{})
		stopped := make(chan struct{})
		queue.RegisterHandler(job.JobGenerate, func(ctx context.Context, _ *job.Job, _ func(float64)) (any, error) {
			close(started)
			<-ctx.Done()
			close(stopped)
			return nil, ctx.Err()
		})

		j, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(started).Should(BeClosed())

		Expect(queue.CancelJob(j.ID)).To(Succeed())
		Eventually(stopped).Should(BeClosed())
		Consistently(statusOf(j.ID), 100*time.Millisecond).Should(Equal(job.StatusCancelled))
	})

	It("retries a failed job", func() {
		attempts := make(chan int, 2)
		n := 0
		queue.RegisterHandler(job.JobGenerate, func(context.Context, *job.Job, func(float64)) (any, error) {
			n++
			attempts <- n
			if n == 1 {
				return nil, errors.New("first attempt fails")
			}
			return "ok", nil
		})

		j, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(statusOf(j.ID)).Should(Equal(job.StatusFailed))

		Expect(queue.RetryJob(j.ID)).To(Succeed())
		Eventually(statusOf(j.ID)).Should(Equal(job.StatusCompleted))
		Expect(attempts).To(HaveLen(2))

		retried, _ := queue.GetJob(j.ID)
		Expect(retried.Error).To(BeEmpty())
	})

	It("refuses to retry a completed job", func() {
		queue.RegisterHandler(job.JobGenerate, func(context.Context, *job.Job, func(float64)) (any, error) {
			return "ok", nil
		})
		j, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(statusOf(j.ID)).Should(Equal(job.StatusCompleted))

		Expect(queue.RetryJob(j.ID)).To(MatchError(job.ErrNotRetryable))
	})

	It("reports unknown jobs as not found", func() {
		_, err := queue.GetJob("nope")
		Expect(err).To(MatchError(job.ErrNotFound))
		Expect(queue.CancelJob("nope")).To(MatchError(job.ErrNotFound))
		Expect(queue.RetryJob("nope")).To(MatchError(job.ErrNotFound))
	})

	It("lists jobs newest first", func() {
		first, err := queue.Enqueue(job.JobGenerate, "/u/a.mp4", nil)
		Expect(err).NotTo(HaveOccurred())
		time.Sleep(5 * time.Millisecond)
		second, err := queue.Enqueue(job.JobGenerate, "/u/b.mp4", nil)
		Expect(err).NotTo(HaveOccurred())

		jobs, err := queue.ListJobs()
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(2))
		Expect(jobs[0].ID).To(Equal(second.ID))
		Expect(jobs[1].ID).To(Equal(first.ID))
	})
})

var _ = Describe("JobQueue restart", func() {
	var database *db.Database

	BeforeEach(func() {
		var err error
		database, err = db.NewSQLite(filepath.Join(GinkgoT().TempDir(), "jobs.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(database.Close)

		_, err = database.DB().Exec(
			"INSERT INTO jobs (id, type, status, file_path, params, created_at) VALUES ('stale', 'generate', 'running', '/u/a.mp4', '{}', ?)",
			time.Now().UTC())
		Expect(err).NotTo(HaveOccurred())
	})

	It("completes jobs left running by a previous process once handlers are registered", func() {
		queue := job.NewJobQueue(database.DB(), nil)
		DeferCleanup(queue.Stop)

		// handlers arrive after construction, as they do when the router is built
		time.Sleep(5 * time.Millisecond)
		queue.RegisterHandler(job.JobGenerate, func(context.Context, *job.Job, func(float64)) (any, error) {
			return "resumed", nil
		})
		queue.Start()

		Eventually(func() job.JobStatus {
			j, err := queue.GetJob("stale")
			if err != nil {
				return ""
			}
			return j.Status
		}).Should(Equal(job.StatusCompleted))

		j, err := queue.GetJob("stale")
		Expect(err).NotTo(HaveOccurred())
		Expect(j.Error).To(BeEmpty())
		Expect(string(j.Result)).To(Equal(`"resumed"`))
	})

	It("does not dispatch anything before Start", func() {
		queue := job.NewJobQueue(database.DB(), nil)
		DeferCleanup(queue.Stop)

		Consistently(func() job.JobStatus {
			j, err := queue.GetJob("stale")
			if err != nil {
				return ""
			}
			return j.Status
		}, 50*time.Millisecond).Should(Equal(job.StatusRunning))
	})
})
