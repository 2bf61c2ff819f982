package supervisor

import (
	"context"
	"fmt"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/camera"
	"github.com/rerobots/hardshare/pkg/controller"
	"github.com/rerobots/hardshare/pkg/types"
)

// adminHandler wraps a controller's handler with the supervisor-scoped
// commands: stop-ad, camera control, and journal queries.
func (s *Supervisor) adminHandler(ctrl *controller.Controller) admin.Handler {
	return func(ctx context.Context, req admin.Request) admin.Response {
		switch req.Cmd {
		case admin.CmdStopAd:
			// Idempotent: repeated calls after the first are no-ops.
			s.Stop()
			return admin.Response{OK: true}

		case admin.CmdAttachCamera:
			return s.attachCamera(ctx, req)

		case admin.CmdStopCameras:
			s.stopCameras()
			return admin.Response{OK: true}

		case admin.CmdMonitor:
			entries, err := s.journal.Recent(50)
			if err != nil {
				return admin.Response{Err: err.Error()}
			}
			return admin.Response{OK: true, Payload: entries}

		case admin.CmdStatus:
			resp := ctrl.HandleAdmin(ctx, req)
			if payload, ok := resp.Payload.(admin.StatusPayload); ok {
				payload.Connected = s.client.Connected()
				resp.Payload = payload
			}
			return resp

		default:
			return ctrl.HandleAdmin(ctx, req)
		}
	}
}

// attachCamera starts (or replaces) the capture pipeline.
func (s *Supervisor) attachCamera(ctx context.Context, req admin.Request) admin.Response {
	if req.CameraDevice == "" {
		return admin.Response{Err: "camera_device required"}
	}

	crops := make(map[string]camera.Rect, len(req.CameraCrops))
	for wd, box := range req.CameraCrops {
		if len(box) != 4 {
			return admin.Response{Err: fmt.Sprintf("crop for %s must be [x0,y0,x1,y1]", wd)}
		}
		crops[wd] = camera.Rect{X0: box[0], Y0: box[1], X1: box[2], Y1: box[3]}
	}

	s.camMu.Lock()
	defer s.camMu.Unlock()

	if s.pipeline != nil {
		// Live pipeline: just swap the crop map.
		s.pipeline.SetCrops(crops)
		return admin.Response{OK: true}
	}

	pipeline := camera.NewPipeline(camera.Config{
		Backend:   &camera.FFmpegBackend{Device: req.CameraDevice},
		Publisher: camera.NewWSPublisher(s.cfg.CamIngestURL, s.currentToken),
		Crops:     crops,
		Active:    s.cameraActive,
		OnDown: func(err error) {
			s.logger.Error().Err(err).Msg("camera pipeline down")
			s.client.Send(types.Frame{Cmd: types.CmdCamStatus, Detail: err.Error()})
			s.camMu.Lock()
			s.pipeline = nil
			s.camMu.Unlock()
		},
	})
	pipeline.Start(context.Background())
	s.pipeline = pipeline

	return admin.Response{OK: true}
}

// cameraActive gates frame publishing: only WDs with a READY instance
// and the cam add-on receive frames.
func (s *Supervisor) cameraActive(wdID string) bool {
	ctrl, ok := s.controllers[wdID]
	if !ok {
		return false
	}
	state, _ := ctrl.Status()
	if state != types.StateReady {
		return false
	}
	wd := s.store.Snapshot().WDeployment(wdID)
	return wd != nil && wd.HasAddon(types.AddonCam)
}

// stopCameras halts the capture pipeline if one is running.
func (s *Supervisor) stopCameras() {
	s.camMu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.camMu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
}
