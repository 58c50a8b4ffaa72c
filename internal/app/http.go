package app

import (
	"context"
	"net/http"
	"net/http/pprof"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"knowengage/internal/metrics"
)

// wrapHTTPHandler adapts a net/http.Handler onto fasthttp, the way the
// teacher's admin surface exposes promhttp.Handler() and net/http/pprof.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// adminHandler dispatches the fixed set of admin routes by exact path —
// small enough that the teacher's full router package would be overkill
// for what is otherwise a metrics/health/ops surface.
func (a *App) adminHandler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/admin/health":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/admin/debug/prometheus":
		wrapHTTPHandler(metrics.Handler())(ctx)
	case "/admin/debug/pprof/":
		wrapHTTPHandler(http.HandlerFunc(pprof.Index))(ctx)
	case "/admin/debug/pprof/cmdline":
		wrapHTTPHandler(http.HandlerFunc(pprof.Cmdline))(ctx)
	case "/admin/debug/pprof/profile":
		wrapHTTPHandler(http.HandlerFunc(pprof.Profile))(ctx)
	case "/admin/debug/pprof/symbol":
		wrapHTTPHandler(http.HandlerFunc(pprof.Symbol))(ctx)
	case "/admin/debug/pprof/trace":
		wrapHTTPHandler(http.HandlerFunc(pprof.Trace))(ctx)
	case "/admin/jobs/reconcile":
		if !ctx.IsPost() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		go a.reconcile.RunNow(context.WithoutCancel(a.ctx))
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}
