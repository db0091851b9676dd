package monitoring

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/autoinstr/activation"
	"github.com/sarchlab/autoinstr/conflict"
	"github.com/sarchlab/autoinstr/registry"
	"github.com/sarchlab/autoinstr/tracetree"
	"github.com/sarchlab/autoinstr/version"
)

type fakeSource struct {
	report activation.Report
}

func (s *fakeSource) Phase() activation.Phase {
	return s.report.Phase
}

func (s *fakeSource) Report() *activation.Report {
	r := s.report
	return &r
}

var _ = Describe("Monitor", func() {
	var (
		m      *Monitor
		forest *tracetree.Forest
		router http.Handler
	)

	serve := func(method, url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, url, nil))

		return rec
	}

	BeforeEach(func() {
		forest = tracetree.NewForest()
		m = NewMonitor().WithProfileDuration(10 * time.Millisecond)
		router = m.Router()
	})

	Context("before anything is registered", func() {
		It("should answer 503", func() {
			Expect(serve(http.MethodGet, "/api/activations").Code).
				To(Equal(http.StatusServiceUnavailable))
			Expect(serve(http.MethodGet, "/api/phase").Code).
				To(Equal(http.StatusServiceUnavailable))
			Expect(serve(http.MethodGet, "/api/runs").Code).
				To(Equal(http.StatusServiceUnavailable))
		})
	})

	Context("with a report source", func() {
		BeforeEach(func() {
			m.RegisterReportSource(&fakeSource{report: activation.Report{
				Phase:        activation.PhaseDone,
				Distro:       "default",
				Configurator: "sdk",
				Records: []activation.Record{
					{
						Name:  "kvcache",
						Group: registry.GroupProbe,
						State: activation.Active,
						Seq:   2,
					},
					{
						Name:   "redis",
						Group:  registry.GroupProbe,
						State:  activation.SkippedMissing,
						Detail: "redis is not installed",
						Seq:    3,
					},
				},
				Conflicts: conflict.Report{
					Conflicts: []conflict.Conflict{{
						Library: "sdk",
						A: conflict.Requirement{
							Probe:      "a",
							Constraint: version.MustParse("sdk>=2.0"),
						},
						B: conflict.Requirement{
							Probe:      "b",
							Constraint: version.MustParse("sdk<2.0"),
						},
					}},
				},
			}})
		})

		It("should list activations", func() {
			rec := serve(http.MethodGet, "/api/activations")
			Expect(rec.Code).To(Equal(http.StatusOK))

			rsp := activationsRsp{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())

			Expect(rsp.Phase).To(Equal("Done"))
			Expect(rsp.Distro).To(Equal("default"))
			Expect(rsp.Records).To(HaveLen(2))
			Expect(rsp.Records[1]).To(Equal(recordRsp{
				Name:   "redis",
				Group:  "probe",
				State:  "SkippedMissing",
				Detail: "redis is not installed",
				Seq:    3,
			}))
			Expect(rsp.Conflicts).To(HaveLen(1))
			Expect(rsp.Conflicts[0]).To(ContainSubstring("a requires sdk>=2.0"))
		})

		It("should report the phase", func() {
			rec := serve(http.MethodGet, "/api/phase")

			Expect(rec.Body.String()).To(MatchJSON(`{"phase":"Done"}`))
		})
	})

	Context("with a forest", func() {
		BeforeEach(func() {
			m.RegisterForest(forest)

			_, err := forest.Begin("r1", "", "root", "server")
			Expect(err).NotTo(HaveOccurred())
			_, err = forest.Begin("c1", "r1", "child", "client")
			Expect(err).NotTo(HaveOccurred())
			_, err = forest.Begin("r2", "", "done", "server")
			Expect(err).NotTo(HaveOccurred())
			Expect(forest.End("r2", nil)).To(Succeed())
		})

		It("should list root runs", func() {
			rec := serve(http.MethodGet, "/api/runs")

			runs := []runRsp{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &runs)).To(Succeed())
			Expect(runs).To(HaveLen(2))
			Expect(runs[0].RunID).To(Equal("r1"))
			Expect(runs[0].NumChild).To(Equal(1))
			Expect(runs[1].Status).To(Equal(tracetree.Closed.String()))
		})

		It("should list open runs", func() {
			rec := serve(http.MethodGet, "/api/runs?open=true")

			runs := []runRsp{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &runs)).To(Succeed())

			ids := []string{}
			for _, r := range runs {
				ids = append(ids, r.RunID)
			}

			Expect(ids).To(ConsistOf("r1", "c1"))
		})

		It("should walk the ancestry innermost first", func() {
			rec := serve(http.MethodGet, "/api/backtrace/c1")

			chain := []runRsp{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &chain)).To(Succeed())
			Expect(chain).To(HaveLen(2))
			Expect(chain[0].RunID).To(Equal("c1"))
			Expect(chain[0].ParentID).To(Equal("r1"))
			Expect(chain[1].RunID).To(Equal("r1"))
		})

		It("should show a run", func() {
			Expect(serve(http.MethodGet, "/api/run/c1").Code).
				To(Equal(http.StatusOK))
		})

		It("should answer 404 for unknown runs", func() {
			Expect(serve(http.MethodGet, "/api/run/nope").Code).
				To(Equal(http.StatusNotFound))
			Expect(serve(http.MethodGet, "/api/backtrace/nope").Code).
				To(Equal(http.StatusNotFound))
			Expect(serve(http.MethodPost, "/api/drop/nope").Code).
				To(Equal(http.StatusNotFound))
		})

		It("should drop a subtree on POST only", func() {
			Expect(serve(http.MethodGet, "/api/drop/r1").Code).
				To(Equal(http.StatusMethodNotAllowed))

			rec := serve(http.MethodPost, "/api/drop/r1")

			Expect(rec.Body.String()).To(MatchJSON(`{"removed":2}`))
			Expect(forest.Len()).To(Equal(1))
			Expect(forest.Roots()).To(Equal([]string{"r2"}))
		})

		It("should report resources", func() {
			rec := serve(http.MethodGet, "/api/resource")
			Expect(rec.Code).To(Equal(http.StatusOK))

			rsp := resourceRsp{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
			Expect(rsp.NumRuns).To(Equal(3))
			Expect(rsp.MemorySize).To(BeNumerically(">", 0))
		})
	})

	It("should serve the dashboard", func() {
		rec := serve(http.MethodGet, "/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("<!DOCTYPE html>"))
	})

	It("should start and close the server", func() {
		m.RegisterReportSource(&fakeSource{report: activation.Report{
			Phase: activation.PhaseSDKConfigured,
		}})

		Expect(m.Address()).To(BeEmpty())

		addr, err := m.StartServer()
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Address()).To(Equal(addr))

		_, port, err := net.SplitHostPort(addr)
		Expect(err).NotTo(HaveOccurred())

		rsp, err := http.Get("http://127.0.0.1:" + port + "/api/phase")
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))

		Expect(m.Close(context.Background())).To(Succeed())
		Expect(m.Close(context.Background())).To(Succeed())

		_, err = http.Get("http://127.0.0.1:" + port + "/api/phase")
		Expect(err).To(HaveOccurred())
	})

	It("should collect a CPU profile", func() {
		rec := serve(http.MethodGet, "/api/profile")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("SampleType"))
	})

	It("should refuse privileged ports", func() {
		Expect(NewMonitor().WithPortNumber(80).portNumber).To(Equal(0))
		Expect(NewMonitor().WithPortNumber(8080).portNumber).To(Equal(8080))
	})
})
