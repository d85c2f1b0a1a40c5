// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package servermaster

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

// apiOpVarJobID is the key of job id in HTTP API.
const apiOpVarJobID = "job_id"

const successMessage = "success"

// JobManager is the job surface the HTTP API serves.
type JobManager interface {
	Run(ctx context.Context, jobID string, req *model.JobRequest) error
	Status(ctx context.Context, jobID string) (model.JobStatus, int64, error)
	Kill(ctx context.Context, jobID string) error
}

// Response is the envelope of every API response. ErrorCode 0 means
// success.
type Response struct {
	ErrorCode int         `json:"errorCode"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// JobStatusData is the data of a job status response.
type JobStatusData struct {
	Status string `json:"status"`
	// TimeCosts is the elapsed time of the job in milliseconds.
	TimeCosts int64 `json:"time_costs"`
}

func newResponse(err error, data interface{}) *Response {
	code, _ := errors.ToErrorCode(err)
	resp := &Response{ErrorCode: code, Message: successMessage, Data: data}
	if err != nil {
		resp.Message = err.Error()
		resp.Data = nil
	}
	return resp
}

// OpenAPI provides the job API of the scheduler.
type OpenAPI struct {
	jobs JobManager
}

// NewOpenAPI creates a new OpenAPI.
func NewOpenAPI(jobs JobManager) *OpenAPI {
	return &OpenAPI{jobs: jobs}
}

// newRouter creates the router of the job API and the metrics endpoint.
func newRouter(api *OpenAPI, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(logMiddleware(), recoveryMiddleware())
	RegisterOpenAPIRoutes(router, api)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return router
}

// RegisterOpenAPIRoutes registers routes for OpenAPI.
func RegisterOpenAPIRoutes(router *gin.Engine, api *OpenAPI) {
	jobGroup := router.Group("/scheduler/job")
	{
		jobGroup.POST("/:job_id", api.SubmitJob)
		jobGroup.GET("/:job_id", api.QueryJob)
		jobGroup.DELETE("/:job_id", api.KillJob)
	}
}

func (o *OpenAPI) reply(c *gin.Context, err error, data interface{}) {
	resp := newResponse(err, data)
	apiRequestCounter.WithLabelValues(c.Request.Method, strconv.Itoa(resp.ErrorCode)).Inc()
	if err != nil {
		_ = c.Error(err)
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitJob submits a job, or resumes a finished one.
// @Summary Submit a job
// @Accept json
// @Produce json
// @Param job_id path string true "job id"
// @Success 200
// @Router /scheduler/job/{job_id} [post]
func (o *OpenAPI) SubmitJob(c *gin.Context) {
	jobID := c.Param(apiOpVarJobID)
	var req model.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		o.reply(c, errors.WrapError(errors.ErrParameterCheck, err, "decode job request"), nil)
		return
	}
	o.reply(c, o.jobs.Run(c.Request.Context(), jobID, &req), nil)
}

// QueryJob returns the status and the elapsed time of a job.
// @Summary Query a job
// @Produce json
// @Param job_id path string true "job id"
// @Success 200
// @Router /scheduler/job/{job_id} [get]
func (o *OpenAPI) QueryJob(c *gin.Context) {
	status, costs, err := o.jobs.Status(c.Request.Context(), c.Param(apiOpVarJobID))
	if err != nil {
		o.reply(c, err, nil)
		return
	}
	o.reply(c, nil, &JobStatusData{Status: string(status), TimeCosts: costs})
}

// KillJob cancels a running job and returns once it is finished.
// @Summary Kill a job
// @Produce json
// @Param job_id path string true "job id"
// @Success 200
// @Router /scheduler/job/{job_id} [delete]
func (o *OpenAPI) KillJob(c *gin.Context) {
	o.reply(c, o.jobs.Kill(c.Request.Context(), c.Param(apiOpVarJobID)), nil)
}

// logMiddleware logs the api requests
func logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		var err error
		if last := c.Errors.Last(); last != nil {
			err = last.Err
		}
		log.Info("scheduler api request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)))
	}
}

// recoveryMiddleware answers a panic with HTTP 500 and an INTERNAL_ERROR
// envelope.
func recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		log.Error("scheduler api panic",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered))
		err := errors.ErrInternal.GenWithStackByArgs("unexpected panic")
		resp := newResponse(err, nil)
		apiRequestCounter.WithLabelValues(c.Request.Method, strconv.Itoa(resp.ErrorCode)).Inc()
		c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
	})
}
