package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"wuyrush.io/listings/common/logging"
	cst "wuyrush.io/listings/constants"
	se "wuyrush.io/listings/errors"
	md "wuyrush.io/listings/models"
	"wuyrush.io/listings/services"
)

const (
	// request parts beyond this are spooled to temporary files
	maxFormMemory = 8 << 20

	flashCreated            = "card created"
	flashSaved              = "saved"
	flashNoFiles            = "no files selected"
	flashWrongKey           = "wrong key"
	flashAdminNotConfigured = "admin key not configured"
)

type photoView struct {
	Name string
	URL  string
}

type editView struct {
	Listing    *md.Listing
	Photos     []photoView
	FirstPhoto string
}

func editPath(id string) string {
	return "/admin/edit/" + url.PathEscape(strings.TrimSpace(id))
}

func (s *listingsServer) HandleAuthGetLogin() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s.render(w, r, "admin/login.html", "Admin", http.StatusOK, nil, clog)
	}
}

func (s *listingsServer) HandleAuthLogin() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.Gate.AdminConfigured() {
			s.flashRedirect(w, r, flashAdminNotConfigured, pathAdminLogin, clog)
			return
		}
		ok, err := s.Gate.Login(w, r, r.PostFormValue("key"))
		s.Metrics.RecordLogin(ok)
		if err != nil {
			clog.WithError(err).Error("error saving admin session")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !ok {
			clog.WithField("remoteAddr", r.RemoteAddr).Warn("admin login refused")
			s.flashRedirect(w, r, flashWrongKey, pathAdminLogin, clog)
			return
		}
		http.Redirect(w, r, pathAdmin, http.StatusSeeOther)
	}
}

func (s *listingsServer) HandleAuthLogout() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := s.Gate.Logout(w, r); err != nil {
			clog.WithError(err).Error("error clearing admin session")
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (s *listingsServer) HandleTaskAdminIndex() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		views, err := s.Feed.AdminList(services.DefaultAdminLimit)
		if err != nil {
			clog.WithError(err).Error(err.Trace())
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.render(w, r, "admin/index.html", "Admin", http.StatusOK, views, clog)
	}
}

func (s *listingsServer) HandleTaskAdminNew() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s.render(w, r, "admin/new.html", "New listing", http.StatusOK, nil, clog)
	}
}

func (s *listingsServer) HandleTaskAdminCreate() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ups, err := s.parseUploadForm(w, r, clog)
		if err != nil {
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		defer removeSpooled(r, clog)
		id, err := s.Admin.Create(listingForm(r), ups)
		if err != nil {
			clog.WithError(err).Error(err.Trace())
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.Metrics.RecordMutation("create")
		s.Metrics.RecordPhotosStored(len(ups))
		s.flashRedirect(w, r, flashCreated, editPath(id), clog.WithField(cst.LogFieldListingID, id))
	}
}

func (s *listingsServer) HandleTaskAdminEdit() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		llog := clog.WithField(cst.LogFieldListingID, id)
		l, photos, err := s.Admin.Edit(id)
		if err != nil {
			if se.Is(err, se.ErrCodeNotFound) {
				http.Error(w, errMsgListingNotFound, http.StatusNotFound)
				return
			}
			llog.WithError(err).Error(err.Trace())
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		ev := editView{Listing: l, Photos: make([]photoView, 0, len(photos))}
		for _, p := range photos {
			ev.Photos = append(ev.Photos, photoView{Name: p, URL: s.Photos.PhotoURL(id, p)})
		}
		if len(ev.Photos) > 0 {
			ev.FirstPhoto = ev.Photos[0].URL
		}
		s.render(w, r, "admin/edit.html", fmt.Sprintf("Listing %s", id), http.StatusOK, ev, llog)
	}
}

func (s *listingsServer) HandleTaskAdminSave() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		llog := clog.WithField(cst.LogFieldListingID, id)
		if err := s.Admin.Save(id, listingForm(r)); err != nil {
			if !se.Is(err, se.ErrCodeNotFound) {
				llog.WithError(err).Error(err.Trace())
			}
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.Metrics.RecordMutation("save")
		s.flashRedirect(w, r, flashSaved, editPath(id), llog)
	}
}

func (s *listingsServer) HandleTaskAdminDelete() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		llog := clog.WithField(cst.LogFieldListingID, id)
		if err := s.Admin.Delete(id); err != nil {
			llog.WithError(err).Error(err.Trace())
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.Metrics.RecordMutation("delete")
		s.flashRedirect(w, r, fmt.Sprintf("deleted: %s", id), pathAdmin, llog)
	}
}

func (s *listingsServer) HandleTaskAdminDeletePhoto() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, filename := ps.ByName("id"), ps.ByName("filename")
		flog := clog.WithFields(logrus.Fields{cst.LogFieldListingID: id, cst.LogFieldFilename: filename})
		if err := s.Admin.DeletePhoto(id, filename); err != nil {
			flog.WithError(err).Error(err.Trace())
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.Metrics.RecordMutation("photo_delete")
		http.Redirect(w, r, editPath(id), http.StatusSeeOther)
	}
}

func (s *listingsServer) HandleTaskAdminUpload() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		llog := clog.WithField(cst.LogFieldListingID, id)
		ups, err := s.parseUploadForm(w, r, llog)
		if err != nil {
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		defer removeSpooled(r, clog)
		if len(ups) == 0 {
			s.flashRedirect(w, r, flashNoFiles, editPath(id), llog)
			return
		}
		n, err := s.Admin.Upload(id, ups)
		s.Metrics.RecordPhotosStored(n)
		if err != nil {
			if !se.Is(err, se.ErrCodeNotFound) && !se.Is(err, se.ErrCodeBadRequest) {
				llog.WithError(err).Error(err.Trace())
			}
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		s.Metrics.RecordMutation("upload")
		s.flashRedirect(w, r, fmt.Sprintf("uploaded files: %d", n), editPath(id), llog)
	}
}

func (s *listingsServer) HandleTaskAdminExport() httprouter.Handle {
	clog := logging.WithFuncName()
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var buf bytes.Buffer
		if err := s.Admin.Export(&buf); err != nil {
			if !se.Is(err, se.ErrCodeNotFound) {
				clog.WithError(err).Error(err.Trace())
			}
			http.Error(w, err.Error(), err.StatusCode())
			return
		}
		// header to force download behavior on browser clients
		headers := w.Header()
		headers.Set("Content-Type", "text/csv; charset=utf-8")
		headers.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", cst.SubmissionsFile))
		w.WriteHeader(http.StatusOK)
		if n, err := buf.WriteTo(w); err != nil {
			clog.WithError(err).Error("error sending listings file to requester")
		} else {
			clog.WithField("bytesWritten", n).Info("listings file exported")
		}
	}
}

// -------------- utils --------------

func listingForm(r *http.Request) services.ListingForm {
	return services.ListingForm{
		Title:       r.PostFormValue("title"),
		Price:       r.PostFormValue("price"),
		Description: r.PostFormValue("description"),
		Password:    r.PostFormValue("password"),
	}
}

// removeSpooled removes temporary files of parts ParseMultipartForm could not keep in memory
func removeSpooled(r *http.Request, clog *logrus.Entry) {
	if r.MultipartForm == nil {
		return
	}
	if err := r.MultipartForm.RemoveAll(); err != nil {
		clog.WithError(err).Warn("error removing spooled upload files")
	}
}

// parseUploadForm limits the request size, parses the form and returns the photos submitted. Forms without
// any file part may be sent url-encoded
func (s *listingsServer) parseUploadForm(w http.ResponseWriter, r *http.Request, clog *logrus.Entry) (
	[]services.Upload, *se.Err) {
	if s.cfg.MaxTotalBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxTotalBytes)
	}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "http: request body too large") {
			msg := fmt.Sprintf("%s: requests must be under %.1f mebibyte", cst.ErrMsgRequestBodyTooLarge,
				float64(s.cfg.MaxTotalBytes)/mebibyte)
			clog.WithError(err).Warn(msg)
			return nil, se.NewOversized(msg).WithCause(err)
		}
		clog.WithError(err).Warn("error parsing form")
		return nil, se.NewBadInput("error parsing form").WithCause(err)
	}
	return services.UploadsFromForm(r.MultipartForm.File["photos"]), nil
}
