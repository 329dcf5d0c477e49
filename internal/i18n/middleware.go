package i18n

import "net/http"

// Middleware injects a localizer chosen from the request's Accept-Language
// header, falling back to the default language.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := Match(r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", lang)
			ctx := WithLang(r.Context(), lang)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
