package classify

import "regexp"

// menuPatternRe recognises the stock phrasing of touch-tone menus. It backs
// up menu detection when the language model is unavailable so an obvious
// menu still gets navigated.
var menuPatternRe = regexp.MustCompile(`(?i)\b(press|select|choose|dial|option)\s*(\d|\*|#)`)
